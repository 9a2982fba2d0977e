// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// LogSink writes one structured log line per LogMetrics call.
type LogSink struct {
	logger   *zap.Logger
	finished atomic.Bool
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) LogMetrics(metrics map[string]float64, step int64) {
	if s.finished.Load() || len(metrics) == 0 {
		return
	}
	fields := make([]zap.Field, 0, len(metrics)+1)
	fields = append(fields, zap.Int64("step", step))
	for _, name := range sortedNames(metrics) {
		fields = append(fields, zap.Float64(name, metrics[name]))
	}
	s.logger.Info("Metrics", fields...)
}

func (s *LogSink) Finish() error {
	if s.finished.CompareAndSwap(false, true) {
		_ = s.logger.Sync()
	}
	return nil
}
