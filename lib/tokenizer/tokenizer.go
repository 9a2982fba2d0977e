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

// Package tokenizer loads backbone tokenizers and turns text batches into
// padded token id and attention mask matrices.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// Tokenizer is the go-huggingface tokenizer contract.
type Tokenizer = tokenizers.Tokenizer

// Load loads a tokenizer from a local model directory. tokenizer.json
// (HuggingFace Tokenizers format) is preferred over tokenizer.model
// (SentencePiece, as shipped with T5).
func Load(modelPath string) (Tokenizer, error) {
	var config *api.Config
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		normalized, err := normalizeTokenizerConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("normalizing tokenizer config: %w", err)
		}
		config, err = api.ParseConfigContent(normalized)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
		config.ConfigFile = configPath
	}

	jsonPath := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(jsonPath); err == nil {
		tok, err := hftokenizer.NewFromFile(config, jsonPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return tok, nil
	}

	// T5 checkpoints ship their SentencePiece model as spiece.model.
	for _, name := range []string{"tokenizer.model", "spiece.model"} {
		spPath := filepath.Join(modelPath, name)
		if _, err := os.Stat(spPath); err != nil {
			continue
		}
		proc, err := esentencepiece.NewProcessorFromPath(spPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		return &sentencepieceTokenizer{Processor: proc, Info: proc.ModelInfo()}, nil
	}

	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json or tokenizer.model)", modelPath)
}

// sentencepieceTokenizer adapts esentencepiece.Processor to Tokenizer.
type sentencepieceTokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var _ Tokenizer = (*sentencepieceTokenizer)(nil)

func (t *sentencepieceTokenizer) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.ID
	}
	return ids
}

func (t *sentencepieceTokenizer) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *sentencepieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.Info.UnknownID, nil
	case api.TokPad:
		return t.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.Info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// normalizeTokenizerConfig flattens AddedToken objects
// ({"__type": "AddedToken", "content": "</s>"}) into plain strings.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var raw map[string]any
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}
	for _, field := range []string{"bos_token", "eos_token", "pad_token", "unk_token", "cls_token", "sep_token", "mask_token"} {
		if val, ok := raw[field]; ok {
			raw[field] = tokenContent(val)
		}
	}
	return sonic.Marshal(raw)
}

func tokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}
