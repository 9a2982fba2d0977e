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
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// PrometheusConfig configures a PrometheusSink.
type PrometheusConfig struct {
	// Registry holds the sink's collectors. A private registry is created
	// when nil.
	Registry *prometheus.Registry
	// PushgatewayURL, when set, receives the gauges on Finish.
	PushgatewayURL string
	// Job is the Pushgateway job name. Defaults to "embedkit".
	Job string
	// RunName is attached as a grouping label when pushing.
	RunName string
}

// PrometheusSink keeps the latest value of every metric in a gauge labelled
// by metric name, plus the latest step.
type PrometheusSink struct {
	cfg      PrometheusConfig
	registry *prometheus.Registry
	values   *prometheus.GaugeVec
	step     prometheus.Gauge
	logger   *zap.Logger

	mu       sync.Mutex
	finished bool
}

// NewPrometheusSink registers the sink's gauges.
func NewPrometheusSink(cfg PrometheusConfig, logger *zap.Logger) (*PrometheusSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Job == "" {
		cfg.Job = "embedkit"
	}

	s := &PrometheusSink{
		cfg:      cfg,
		registry: cfg.Registry,
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "antfly",
				Subsystem: "embedkit",
				Name:      "run_metric",
				Help:      "Latest value of each logged run metric.",
			},
			[]string{"name"},
		),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "run_step",
			Help:      "Step of the most recent LogMetrics call.",
		}),
		logger: logger,
	}
	if err := cfg.Registry.Register(s.values); err != nil {
		return nil, fmt.Errorf("registering run metric gauge: %w", err)
	}
	if err := cfg.Registry.Register(s.step); err != nil {
		cfg.Registry.Unregister(s.values)
		return nil, fmt.Errorf("registering run step gauge: %w", err)
	}
	return s, nil
}

// Registry returns the registry holding the sink's gauges.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

func (s *PrometheusSink) LogMetrics(metrics map[string]float64, step int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	for name, v := range metrics {
		s.values.WithLabelValues(name).Set(v)
	}
	s.step.Set(float64(step))
}

// Finish pushes to the Pushgateway when one is configured.
func (s *PrometheusSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true

	if s.cfg.PushgatewayURL == "" {
		return nil
	}
	pusher := push.New(s.cfg.PushgatewayURL, s.cfg.Job).Gatherer(s.registry)
	if s.cfg.RunName != "" {
		pusher = pusher.Grouping("run", s.cfg.RunName)
	}
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", s.cfg.PushgatewayURL, err)
	}
	s.logger.Info("Pushed metrics", zap.String("url", s.cfg.PushgatewayURL), zap.String("job", s.cfg.Job))
	return nil
}
