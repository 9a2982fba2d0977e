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

package embedkit

import "github.com/prometheus/client_golang/prometheus"

var (
	encodeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "encode_request_ops_total",
			Help:      "The total number of encode requests.",
		},
		[]string{"model", "modality"},
	)
	embeddingCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "embedding_creation_ops_total",
			Help:      "The total number of embeddings created.",
		},
		[]string{"model", "modality"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load an encoder.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "variant"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "request_duration_seconds",
			Help:      "Encode request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "model", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "cache_hits_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"type"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "embedkit",
			Name:      "cache_misses_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(encodeRequestOps)
	prometheus.MustRegister(embeddingCreationOps)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordEncodeRequest counts one request and the embeddings it produced.
func RecordEncodeRequest(model, modality string, count int) {
	encodeRequestOps.WithLabelValues(model, modality).Inc()
	embeddingCreationOps.WithLabelValues(model, modality).Add(float64(count))
}

// RecordModelLoadDuration records how long an encoder took to load.
func RecordModelLoadDuration(model, variant string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, variant).Observe(seconds)
}

// RecordRequestDuration records the latency of one operation.
func RecordRequestDuration(operation, model, status string, seconds float64) {
	requestDuration.WithLabelValues(operation, model, status).Observe(seconds)
}

// RecordCacheHit records a cache hit.
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
