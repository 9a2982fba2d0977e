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
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// ScalarsFile is the file name FileSink writes inside its directory.
const ScalarsFile = "scalars.jsonl"

// Scalar is one line of a scalars file. Non-finite values are written as
// the strings "NaN", "Infinity" and "-Infinity".
type Scalar struct {
	Name     string
	Value    float64
	Step     int64
	WallTime float64
}

type scalarLine struct {
	Name     string  `json:"name"`
	Value    any     `json:"value"`
	Step     int64   `json:"step"`
	WallTime float64 `json:"wall_time"`
}

func encodeValue(v float64) any {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	return v
}

func decodeValue(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("invalid scalar value %v", v)
}

// FileSink appends scalars as JSON lines to <dir>/scalars.jsonl.
type FileSink struct {
	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	err      error
	finished bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewFileSink creates dir if needed and opens the scalars file for append.
func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metrics dir: %w", err)
	}
	path := filepath.Join(dir, ScalarsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	logger.Info("Writing metrics", zap.String("path", path))
	return &FileSink{
		file:   f,
		w:      bufio.NewWriter(f),
		logger: logger,
		now:    time.Now,
	}, nil
}

// LogMetrics appends one line per metric. A metric that cannot be encoded
// is skipped. The first write error is kept and returned by Finish; later
// calls are dropped.
func (s *FileSink) LogMetrics(metrics map[string]float64, step int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.err != nil {
		return
	}

	wall := float64(s.now().UnixNano()) / 1e9
	for _, name := range sortedNames(metrics) {
		line, err := sonic.Marshal(scalarLine{Name: name, Value: encodeValue(metrics[name]), Step: step, WallTime: wall})
		if err != nil {
			s.logger.Warn("Skipping metric", zap.String("name", name), zap.Int64("step", step), zap.Error(err))
			continue
		}
		line = append(line, '\n')
		if _, err := s.w.Write(line); err != nil {
			s.err = fmt.Errorf("writing metric %s: %w", name, err)
			s.logger.Warn("Dropping metrics after write failure", zap.Error(err))
			return
		}
	}
}

// Finish flushes and closes the file.
func (s *FileSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true

	err := s.err
	if flushErr := s.w.Flush(); flushErr != nil {
		err = errors.Join(err, fmt.Errorf("flushing metrics: %w", flushErr))
	}
	if closeErr := s.file.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("closing metrics file: %w", closeErr))
	}
	return err
}

// ReadScalars parses a scalars file written by FileSink.
func ReadScalars(path string) ([]Scalar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Scalar
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line scalarLine
		if err := sonic.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		value, err := decodeValue(line.Value)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		out = append(out, Scalar{Name: line.Name, Value: value, Step: line.Step, WallTime: line.WallTime})
	}
	return out, scanner.Err()
}
