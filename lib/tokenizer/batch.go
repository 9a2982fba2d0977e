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

package tokenizer

import (
	"fmt"
	"strings"

	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// Padding selects the padded sequence length of a batch.
type Padding string

const (
	// PaddingLongest pads every row to the longest row in the batch.
	PaddingLongest Padding = "longest"
	// PaddingMaxLength pads every row to Options.MaxLength.
	PaddingMaxLength Padding = "max_length"
)

// ParsePadding parses a padding policy. The empty string selects longest.
func ParsePadding(s string) (Padding, error) {
	switch strings.ToLower(s) {
	case "", "longest", "dynamic":
		return PaddingLongest, nil
	case "max_length", "max":
		return PaddingMaxLength, nil
	default:
		return "", fmt.Errorf("unknown padding policy: %q (valid: longest, max_length)", s)
	}
}

// NoToken marks an unset special token id.
const NoToken int32 = -1

// Options controls EncodeBatch.
type Options struct {
	// MaxLength caps every row when Truncation is on, and is the target length
	// for PaddingMaxLength.
	MaxLength  int
	Padding    Padding
	Truncation bool

	PadID int32
	// BOSID and EOSID, when not NoToken, are added at the start and end of
	// each row if the tokenizer did not already emit them. A truncated row
	// keeps its EOS as the final token.
	BOSID int32
	EOSID int32
}

// DefaultOptions returns longest padding with truncation at maxLength and
// special tokens resolved from tok. T5-style tokenizers get a trailing EOS.
func DefaultOptions(tok Tokenizer, maxLength int) Options {
	opts := Options{
		MaxLength:  maxLength,
		Padding:    PaddingLongest,
		Truncation: true,
		PadID:      0,
		BOSID:      NoToken,
		EOSID:      NoToken,
	}
	if tok == nil {
		return opts
	}
	if id, err := tok.SpecialTokenID(api.TokPad); err == nil && id >= 0 {
		opts.PadID = int32(id)
	}
	if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil && id >= 0 {
		opts.EOSID = int32(id)
	}
	return opts
}

// Batch is a padded token matrix and its attention mask. Both have the
// shape [len(texts), SeqLen].
type Batch struct {
	InputIDs      [][]int32
	AttentionMask [][]int32
	// Lengths holds the number of real tokens per row.
	Lengths []int
	SeqLen  int
}

// EncodeBatch tokenizes texts and pads them into a rectangular batch.
//
// Truncation keeps the first MaxLength tokens of each row (with EOS, when
// configured, occupying the final slot). An empty text becomes just the
// configured special tokens, or a fully masked row when there are none. The
// padded length is at least 1 so every batch is a valid backbone input.
func EncodeBatch(tok Tokenizer, texts []string, opts Options) (*Batch, error) {
	if opts.MaxLength <= 0 && (opts.Truncation || opts.Padding == PaddingMaxLength) {
		return nil, fmt.Errorf("max length must be positive, got %d", opts.MaxLength)
	}

	rows := make([][]int32, len(texts))
	longest := 0
	for i, text := range texts {
		row := encodeRow(tok, text, opts)
		rows[i] = row
		longest = max(longest, len(row))
	}

	seqLen := longest
	if opts.Padding == PaddingMaxLength {
		seqLen = max(seqLen, opts.MaxLength)
	}
	seqLen = max(seqLen, 1)

	batch := &Batch{
		InputIDs:      make([][]int32, len(rows)),
		AttentionMask: make([][]int32, len(rows)),
		Lengths:       make([]int, len(rows)),
		SeqLen:        seqLen,
	}
	for i, row := range rows {
		ids := make([]int32, seqLen)
		mask := make([]int32, seqLen)
		copy(ids, row)
		for j := range seqLen {
			if j < len(row) {
				mask[j] = 1
			} else {
				ids[j] = opts.PadID
			}
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
		batch.Lengths[i] = len(row)
	}
	return batch, nil
}

func encodeRow(tok Tokenizer, text string, opts Options) []int32 {
	raw := tok.Encode(text)
	row := make([]int32, 0, len(raw)+2)
	if opts.BOSID != NoToken && (len(raw) == 0 || int32(raw[0]) != opts.BOSID) {
		row = append(row, opts.BOSID)
	}
	for _, id := range raw {
		row = append(row, int32(id))
	}
	if opts.EOSID != NoToken && (len(row) == 0 || row[len(row)-1] != opts.EOSID) {
		row = append(row, opts.EOSID)
	}

	if opts.Truncation && len(row) > opts.MaxLength {
		endsWithEOS := opts.EOSID != NoToken && row[len(row)-1] == opts.EOSID
		row = row[:opts.MaxLength]
		if endsWithEOS {
			row[len(row)-1] = opts.EOSID
		}
	}
	return row
}
