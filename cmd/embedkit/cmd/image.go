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
	"os"

	"github.com/spf13/cobra"
)

var imageCmd = &cobra.Command{
	Use:   "image <model> <file>...",
	Short: "Embed images with a joint encoder",
	Long: `Decode, preprocess and embed JPEG or PNG images with the visual tower of a
joint encoder. Prints one JSON object per line.

Examples:
  embedkit image openai/clip-vit-base-patch32 frame_000.png frame_001.png`,
	Args: cobra.MinimumNArgs(2),
	RunE: runImage,
}

func init() {
	rootCmd.AddCommand(imageCmd)
}

type imageResult struct {
	Index     int       `json:"index"`
	File      string    `json:"file"`
	Embedding []float32 `json:"embedding"`
}

func runImage(cmd *cobra.Command, args []string) error {
	model, files := args[0], args[1:]

	data := make([][]byte, len(files))
	for i, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f, err)
		}
		data[i] = b
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	registry, err := openRegistry(logger)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	vecs, err := registry.EncodeImageBytes(cmd.Context(), model, data)
	if err != nil {
		return err
	}
	for i, f := range files {
		if err := writeJSONLine(cmd.OutOrStdout(), imageResult{Index: i, File: f, Embedding: vecs[i]}); err != nil {
			return err
		}
	}
	return nil
}
