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

package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/embedkit/lib/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var benchCmd = &cobra.Command{
	Use:   "bench <model>",
	Short: "Time repeated text encoding and record run metrics",
	Long: `Encode synthetic text batches repeatedly and record per-step latency and
throughput through the metrics sink.

Only rank 0 records metrics; other ranks run the same workload silently, so
the command can be launched unchanged on every worker of a distributed job.

Examples:
  embedkit bench google-t5/t5-base --steps 50 --batch-size 16 --metrics-dir runs/t5
  embedkit bench openai/clip-vit-base-patch32 --pushgateway http://pushgw:9091 --run-name nightly`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	f := benchCmd.Flags()
	f.Int("steps", 20, "number of encode steps")
	f.Int("batch-size", 8, "texts per step")
	f.Int("words", 12, "words per synthetic text")
	f.Int64("log-every", 1, "record metrics every N steps")
	f.Int("rank", 0, "process rank; only rank 0 records metrics")
	f.String("metrics-dir", "", "write scalars.jsonl to this directory")
	f.Bool("log-metrics", true, "log metrics through the logger")
	f.String("pushgateway", "", "push run metrics to this Prometheus Pushgateway on finish")
	f.String("run-name", "", "run label for pushed metrics")
	f.Int("health-port", 0, "serve health and Prometheus metrics on this port (0 disables)")

	mustBindPFlag("bench.rank", f.Lookup("rank"))
	mustBindPFlag("bench.metrics_dir", f.Lookup("metrics-dir"))
	mustBindPFlag("bench.pushgateway", f.Lookup("pushgateway"))
	mustBindPFlag("health_port", f.Lookup("health-port"))
}

func runBench(cmd *cobra.Command, args []string) error {
	model := args[0]
	steps, _ := cmd.Flags().GetInt("steps")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	words, _ := cmd.Flags().GetInt("words")
	logEvery, _ := cmd.Flags().GetInt64("log-every")
	logMetrics, _ := cmd.Flags().GetBool("log-metrics")
	runName, _ := cmd.Flags().GetString("run-name")
	if steps <= 0 || batchSize <= 0 {
		return fmt.Errorf("steps and batch-size must be positive")
	}
	if runName == "" {
		runName = time.Now().UTC().Format("20060102T150405")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ready := &atomic.Bool{}
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
	}

	pushURL := viper.GetString("bench.pushgateway")
	sink, err := metrics.New(metrics.Config{
		Dir:            viper.GetString("bench.metrics_dir"),
		Log:            logMetrics,
		Prometheus:     pushURL != "",
		PushgatewayURL: pushURL,
		RunName:        runName,
	}, viper.GetInt("bench.rank"), logger.Named("metrics"))
	if err != nil {
		return err
	}

	registry, err := openRegistry(logger)
	if err != nil {
		_ = sink.Finish()
		return err
	}
	defer func() { _ = registry.Close() }()

	loadStart := time.Now()
	enc, err := registry.GetLang(ctx, model)
	if err != nil {
		_ = sink.Finish()
		return err
	}
	sink.LogMetrics(map[string]float64{"load_seconds": time.Since(loadStart).Seconds()}, 0)
	ready.Store(true)

	var total time.Duration
	var done int
	for step := int64(1); step <= int64(steps); step++ {
		if ctx.Err() != nil {
			break
		}
		texts := syntheticTexts(int(step), batchSize, words)
		start := time.Now()
		vecs, err := enc.EncodeLang(ctx, texts)
		if err != nil {
			_ = sink.Finish()
			return fmt.Errorf("step %d: %w", step, err)
		}
		elapsed := time.Since(start)
		total += elapsed
		done++

		if metrics.ShouldRecord(step, logEvery) {
			sink.LogMetrics(map[string]float64{
				"step_seconds":     elapsed.Seconds(),
				"texts_per_second": float64(len(vecs)) / elapsed.Seconds(),
				"embedding_dim":    float64(enc.LDim()),
			}, step)
		}
	}

	logger.Info("Benchmark complete",
		zap.String("model", model),
		zap.Int("steps", done),
		zap.Int("batchSize", batchSize),
		zap.Duration("meanStep", total/time.Duration(max(done, 1))))
	return sink.Finish()
}

// syntheticTexts returns n texts of the given word count. Texts differ
// between seeds so an enabled embedding cache never serves a step.
func syntheticTexts(seed, n, words int) []string {
	vocab := []string{"pick", "up", "the", "red", "block", "and", "place", "it", "in", "drawer", "open", "close"}
	out := make([]string, n)
	for i := range out {
		parts := make([]string, words)
		for j := range parts {
			parts[j] = vocab[(i+j*7)%len(vocab)]
		}
		out[i] = fmt.Sprintf("%s %d", strings.Join(parts, " "), seed)
	}
	return out
}
