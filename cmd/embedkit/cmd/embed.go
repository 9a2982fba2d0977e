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
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/antflydb/embedkit"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var embedCmd = &cobra.Command{
	Use:   "embed <model> [text...]",
	Short: "Embed text",
	Long: `Embed one or more texts and print one JSON object per line.

Text sequence encoders (T5) return mean pooled embeddings; with --hidden the
masked per-token hidden states and attention mask are printed as well. Joint
encoders (CLIP) return their text-tower embeddings.

Examples:
  embedkit embed google-t5/t5-base "pick up the red block"
  echo "open the drawer" | embedkit embed --stdin openai/clip-vit-base-patch32
  embedkit embed --pull --hidden hf:google-t5/t5-small "a" "b c"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)

	embedCmd.Flags().Bool("stdin", false, "read one text per line from stdin")
	embedCmd.Flags().Bool("hidden", false, "also print hidden states and attention mask (text sequence encoders)")
	embedCmd.Flags().Int("max-length", 0, "token limit per text (default 256)")
	embedCmd.Flags().Bool("normalize", false, "L2-normalise embeddings")
	embedCmd.Flags().String("pooling", "", "pooling for joint encoders emitting hidden states (mean, cls, max, eos)")
	mustBindPFlag("max_length", embedCmd.Flags().Lookup("max-length"))
	mustBindPFlag("normalize", embedCmd.Flags().Lookup("normalize"))
	mustBindPFlag("pooling", embedCmd.Flags().Lookup("pooling"))
}

type embedResult struct {
	Index         int         `json:"index"`
	Text          string      `json:"text"`
	Embedding     []float32   `json:"embedding"`
	HiddenStates  [][]float32 `json:"hidden_states,omitempty"`
	AttentionMask []int32     `json:"attention_mask,omitempty"`
}

func runEmbed(cmd *cobra.Command, args []string) error {
	useStdin, _ := cmd.Flags().GetBool("stdin")
	hidden, _ := cmd.Flags().GetBool("hidden")

	model, texts := args[0], args[1:]
	if useStdin {
		lines, err := readLines(cmd.InOrStdin())
		if err != nil {
			return err
		}
		texts = append(texts, lines...)
	}
	if len(texts) == 0 {
		return fmt.Errorf("no texts given")
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	registry, err := openRegistry(logger)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	seqOut, err := registry.EmbedText(ctx, model, texts, !hidden)
	if err == nil {
		for i, text := range texts {
			res := embedResult{Index: i, Text: text, Embedding: seqOut.AvgPooling[i]}
			if hidden {
				res.HiddenStates = seqOut.HiddenStates[i]
				res.AttentionMask = seqOut.AttentionMask[i]
			}
			if err := writeJSONLine(out, res); err != nil {
				return err
			}
		}
		return nil
	}
	if hidden || !errors.Is(err, embedkit.ErrUnsupported) {
		return err
	}

	vecs, err := registry.EncodeLang(ctx, model, texts)
	if err != nil {
		return err
	}
	for i, text := range texts {
		if err := writeJSONLine(out, embedResult{Index: i, Text: text, Embedding: vecs[i]}); err != nil {
			return err
		}
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
