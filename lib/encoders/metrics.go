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

package encoders

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "forward_duration_seconds",
			Help:      "Time spent in backbone forward passes.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model", "modality"},
	)
	forwardRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "forward_rows_total",
			Help:      "The total number of rows passed through backbones.",
		},
		[]string{"model", "modality"},
	)
	emptyRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "fully_masked_rows_total",
			Help:      "Rows with no real tokens, pooled to a zero vector.",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(forwardDuration)
	prometheus.MustRegister(forwardRows)
	prometheus.MustRegister(emptyRows)
}

func observeForward(model, modality string, rows int, start time.Time) {
	forwardDuration.WithLabelValues(model, modality).Observe(time.Since(start).Seconds())
	forwardRows.WithLabelValues(model, modality).Add(float64(rows))
}
