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

// Package metrics records named scalar metrics against a step counter.
//
// In a multi-process run only rank 0 writes: New hands every other rank a
// NopSink, so callers can log unconditionally.
package metrics

import (
	"errors"
	"maps"
	"slices"

	"go.uber.org/zap"
)

// Sink receives scalar metrics.
type Sink interface {
	// LogMetrics records every metric at step. Nothing is recorded after
	// Finish.
	LogMetrics(metrics map[string]float64, step int64)

	// Finish flushes and releases outputs. It is safe to call more than once.
	Finish() error
}

// Config selects the outputs of a rank-0 sink.
type Config struct {
	// Dir, when set, receives <Dir>/scalars.jsonl.
	Dir string
	// Log writes every metric through the logger.
	Log bool
	// Prometheus exposes metrics as gauges.
	Prometheus bool
	// PushgatewayURL, when set with Prometheus, pushes the gauges on Finish.
	PushgatewayURL string
	// Job is the Pushgateway job name.
	Job string
	// RunName labels pushed metrics and log lines.
	RunName string
}

// New returns the sink for rank. Ranks other than 0, and configs without
// any output, get a NopSink.
func New(cfg Config, rank int, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rank != 0 {
		logger.Debug("Metrics disabled on non-zero rank", zap.Int("rank", rank))
		return NopSink{}, nil
	}

	var sinks []Sink
	if cfg.Dir != "" {
		fs, err := NewFileSink(cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger.With(zap.String("run", cfg.RunName))))
	}
	if cfg.Prometheus {
		ps, err := NewPrometheusSink(PrometheusConfig{
			PushgatewayURL: cfg.PushgatewayURL,
			Job:            cfg.Job,
			RunName:        cfg.RunName,
		}, logger)
		if err != nil {
			closeAll(sinks)
			return nil, err
		}
		sinks = append(sinks, ps)
	}

	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return MultiSink(sinks), nil
	}
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		_ = s.Finish()
	}
}

// ShouldRecord reports whether step falls on the recording frequency.
// A frequency of 1 or less records every step.
func ShouldRecord(step, freq int64) bool {
	if freq <= 1 {
		return true
	}
	return step%freq == 0
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LogMetrics(map[string]float64, int64) {}

func (NopSink) Finish() error { return nil }

// MultiSink fans out to several sinks.
type MultiSink []Sink

// LogMetrics forwards to every sink.
func (m MultiSink) LogMetrics(metrics map[string]float64, step int64) {
	for _, s := range m {
		s.LogMetrics(metrics, step)
	}
}

// Finish finishes every sink and joins their errors.
func (m MultiSink) Finish() error {
	var errs []error
	for _, s := range m {
		if err := s.Finish(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sortedNames returns metric names in a stable order.
func sortedNames(metrics map[string]float64) []string {
	return slices.Sorted(maps.Keys(metrics))
}
