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
	"slices"

	"github.com/antflydb/embedkit/lib/modelregistry"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model> [model...]",
	Short: "Pull encoder model(s) from HuggingFace",
	Long: `Download the encoder graphs, tokenizer and config of one or more HuggingFace
repositories into <models-dir>/<owner>/<name>/. Decoder graphs are skipped.

Variants:
  (none)     FP32 graphs
  fp16       half precision
  quantized  INT8 dynamic quantization
  q4, q4f16  4-bit quantization
  int8       INT8

Examples:
  embedkit pull openai/clip-vit-base-patch32
  embedkit pull hf:google-t5/t5-base
  embedkit pull --variant quantized Xenova/clip-vit-base-patch32
  embedkit pull --models-dir /opt/embedkit/models google-t5/t5-small`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("variant", "", "ONNX variant (fp16, quantized, q4, q4f16, int8)")
	pullCmd.Flags().String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN)")
	mustBindPFlag("hf_token", pullCmd.Flags().Lookup("hf-token"))
}

func runPull(cmd *cobra.Command, args []string) error {
	variant, _ := cmd.Flags().GetString("variant")
	if variant != "" && !slices.Contains(modelregistry.Variants, variant) {
		return fmt.Errorf("invalid variant %q: valid variants are %v", variant, modelregistry.Variants)
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(cfg.HFToken),
		modelregistry.WithHFLogger(logger),
		modelregistry.WithHFProgressHandler(func(done, total int64, name string) {
			if total > 0 && done == total {
				_, _ = fmt.Fprintf(out, "  %s (%s)\n", name, humanize.Bytes(uint64(total)))
			}
		}),
	)

	for _, arg := range args {
		ref, err := modelregistry.ParseModelRef(arg)
		if err != nil {
			return err
		}
		if variant != "" {
			ref.Variant = variant
		}
		_, _ = fmt.Fprintf(out, "\n=== Pulling %s ===\n", ref.RepoID())

		dir, err := client.Pull(cmd.Context(), ref, viper.GetString("models_dir"))
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", arg, err)
		}
		_, _ = fmt.Fprintf(out, "Saved to %s\n", dir)
	}
	return nil
}
