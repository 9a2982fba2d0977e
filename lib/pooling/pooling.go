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

// Package pooling reduces per-token hidden states [batch, seq, hidden] to one
// fixed-size vector per sequence using an attention mask [batch, seq].
//
// All functions are pure: they allocate their results and never retain the
// inputs, so they are safe to call concurrently on disjoint data.
package pooling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ajroetker/go-highway/hwy/contrib/vec"
)

// DenominatorFloor is the lower bound applied to the per-row token count in
// MeanPool. Rows with zero real tokens have their numerator zeroed first, so
// they produce an exact zero vector.
const DenominatorFloor float32 = 1e-3

// ErrShapeMismatch is returned when the hidden states and mask disagree on
// batch or sequence dimensions, or when hidden widths are ragged.
var ErrShapeMismatch = errors.New("pooling: shape mismatch")

// Strategy selects how hidden states are reduced to a single vector.
type Strategy string

const (
	// StrategyMean is masked mean pooling with the DenominatorFloor clamp.
	StrategyMean Strategy = "mean"
	// StrategyCLS takes the first position.
	StrategyCLS Strategy = "cls"
	// StrategyMax takes the element-wise max over real tokens.
	StrategyMax Strategy = "max"
	// StrategyEOS takes the last real token, where CLIP-style text encoders
	// place the sequence summary.
	StrategyEOS Strategy = "eos"
)

// ParseStrategy parses a strategy name. The empty string selects mean.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "mean", "avg", "average":
		return StrategyMean, nil
	case "cls", "first":
		return StrategyCLS, nil
	case "max":
		return StrategyMax, nil
	case "eos", "last":
		return StrategyEOS, nil
	default:
		return "", fmt.Errorf("unknown pooling strategy: %q (valid: mean, cls, max, eos)", s)
	}
}

// validate checks that hidden and mask agree and returns the hidden width.
func validate(hidden [][][]float32, mask [][]int32) (int, error) {
	if len(hidden) != len(mask) {
		return 0, fmt.Errorf("%w: %d hidden rows vs %d mask rows", ErrShapeMismatch, len(hidden), len(mask))
	}
	width := -1
	for b := range hidden {
		if len(hidden[b]) != len(mask[b]) {
			return 0, fmt.Errorf("%w: row %d has %d positions but mask has %d",
				ErrShapeMismatch, b, len(hidden[b]), len(mask[b]))
		}
		for s := range hidden[b] {
			if width < 0 {
				width = len(hidden[b][s])
				continue
			}
			if len(hidden[b][s]) != width {
				return 0, fmt.Errorf("%w: row %d position %d has width %d, expected %d",
					ErrShapeMismatch, b, s, len(hidden[b][s]), width)
			}
		}
	}
	if width < 0 {
		width = 0
	}
	return width, nil
}

// MeanPool computes the masked average of hidden states per row:
//
//	num[b]   = sum over s of hidden[b,s,:] where mask[b,s] != 0
//	denom[b] = number of s where mask[b,s] != 0
//	num[b]   = 0 if denom[b] == 0
//	out[b]   = num[b] / max(denom[b], DenominatorFloor)
//
// A row whose mask is all zero yields an exact zero vector. An empty batch
// yields an empty, non-nil result.
func MeanPool(hidden [][][]float32, mask [][]int32) ([][]float32, error) {
	width, err := validate(hidden, mask)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(hidden))
	for b := range hidden {
		num := make([]float32, width)
		var denom float32
		for s, m := range mask[b] {
			if m == 0 {
				continue
			}
			denom++
			for h, v := range hidden[b][s] {
				num[h] += v
			}
		}
		if denom == 0 {
			clear(num)
		}
		denom = max(denom, DenominatorFloor)
		for h := range num {
			num[h] /= denom
		}
		out[b] = num
	}
	return out, nil
}

// MaskHiddenStates zeroes, in place, every position whose mask value is 0 and
// returns the same slice.
func MaskHiddenStates(hidden [][][]float32, mask [][]int32) ([][][]float32, error) {
	if _, err := validate(hidden, mask); err != nil {
		return nil, err
	}
	for b := range hidden {
		for s, m := range mask[b] {
			if m == 0 {
				clear(hidden[b][s])
			}
		}
	}
	return hidden, nil
}

// Pool reduces hidden states with the given strategy. Rows with no real tokens
// produce a zero vector for every strategy except CLS, which always reads the
// first position.
func Pool(hidden [][][]float32, mask [][]int32, strategy Strategy) ([][]float32, error) {
	switch strategy {
	case StrategyMean, "":
		return MeanPool(hidden, mask)
	case StrategyCLS:
		return firstToken(hidden, mask)
	case StrategyMax:
		return maxPool(hidden, mask)
	case StrategyEOS:
		return lastToken(hidden, mask)
	default:
		return nil, fmt.Errorf("unknown pooling strategy: %q", strategy)
	}
}

func firstToken(hidden [][][]float32, mask [][]int32) ([][]float32, error) {
	width, err := validate(hidden, mask)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(hidden))
	for b := range hidden {
		out[b] = make([]float32, width)
		if len(hidden[b]) > 0 {
			copy(out[b], hidden[b][0])
		}
	}
	return out, nil
}

func maxPool(hidden [][][]float32, mask [][]int32) ([][]float32, error) {
	width, err := validate(hidden, mask)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(hidden))
	for b := range hidden {
		row := make([]float32, width)
		seen := false
		for s, m := range mask[b] {
			if m == 0 {
				continue
			}
			if !seen {
				copy(row, hidden[b][s])
				seen = true
				continue
			}
			for h, v := range hidden[b][s] {
				row[h] = max(row[h], v)
			}
		}
		out[b] = row
	}
	return out, nil
}

func lastToken(hidden [][][]float32, mask [][]int32) ([][]float32, error) {
	width, err := validate(hidden, mask)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(hidden))
	for b := range hidden {
		out[b] = make([]float32, width)
		for s := len(mask[b]) - 1; s >= 0; s-- {
			if mask[b][s] != 0 {
				copy(out[b], hidden[b][s])
				break
			}
		}
	}
	return out, nil
}

// NormalizeL2 scales v to unit length in place using SIMD. Zero vectors are
// left untouched.
func NormalizeL2(v []float32) []float32 {
	if isZero(v) {
		return v
	}
	vec.Normalize(v)
	return v
}

// NormalizeAll applies NormalizeL2 to every row.
func NormalizeAll(embeddings [][]float32) {
	for i := range embeddings {
		NormalizeL2(embeddings[i])
	}
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
