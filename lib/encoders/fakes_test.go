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
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// wordTokenizer maps each word to 10+len(word). Pad is 0, EOS is 1 and BOS,
// when enabled, is 2.
type wordTokenizer struct {
	noEOS bool
	bos   bool
}

func (wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, w := range strings.Fields(text) {
		ids = append(ids, 10+len(w))
	}
	return ids
}

func (wordTokenizer) Decode(ids []int) string { return fmt.Sprint(ids) }

func (w wordTokenizer) SpecialTokenID(tok api.SpecialToken) (int, error) {
	switch {
	case tok == api.TokPad:
		return 0, nil
	case tok == api.TokEndOfSentence && !w.noEOS:
		return 1, nil
	case tok == api.TokBeginningOfSentence && w.bos:
		return 2, nil
	default:
		return -1, fmt.Errorf("no %s token", tok)
	}
}

// fakeModel is a scripted backends.Model.
type fakeModel struct {
	name    string
	forward func(inputs *backends.ModelInputs) (*backends.ModelOutput, error)
	calls   atomic.Int32
	closed  atomic.Int32
}

func (m *fakeModel) Forward(_ context.Context, inputs *backends.ModelInputs) (*backends.ModelOutput, error) {
	m.calls.Add(1)
	return m.forward(inputs)
}

func (m *fakeModel) Close() error { m.closed.Add(1); return nil }

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Backend() backends.BackendType { return backends.BackendGo }

// tokenEchoModel emits [id, 1] for every position, padding included, so
// tests can see whether padding was masked.
func tokenEchoModel() *fakeModel {
	return &fakeModel{name: "echo", forward: func(in *backends.ModelInputs) (*backends.ModelOutput, error) {
		hidden := make([][][]float32, len(in.InputIDs))
		for b, row := range in.InputIDs {
			hidden[b] = make([][]float32, len(row))
			for s, id := range row {
				hidden[b][s] = []float32{float32(id), 1}
			}
		}
		return &backends.ModelOutput{LastHiddenState: hidden}, nil
	}}
}

// pooledTextModel emits one [sum(ids), realTokens, 0, ...] vector per row.
func pooledTextModel(dim int) *fakeModel {
	return &fakeModel{name: "text", forward: func(in *backends.ModelInputs) (*backends.ModelOutput, error) {
		out := make([][]float32, len(in.InputIDs))
		for b, row := range in.InputIDs {
			v := make([]float32, dim)
			for s, id := range row {
				if in.AttentionMask[b][s] == 1 {
					v[0] += float32(id)
					v[1]++
				}
			}
			out[b] = v
		}
		return &backends.ModelOutput{Embeddings: out}, nil
	}}
}

// pooledVisualModel emits one [mean(pixels), 1, 0, ...] vector per image.
func pooledVisualModel(dim int) *fakeModel {
	return &fakeModel{name: "visual", forward: func(in *backends.ModelInputs) (*backends.ModelOutput, error) {
		n := in.ImageBatch
		per := len(in.ImagePixels) / n
		out := make([][]float32, n)
		for i := range n {
			v := make([]float32, dim)
			for _, p := range in.ImagePixels[i*per : (i+1)*per] {
				v[0] += p
			}
			v[0] /= float32(per)
			v[1] = 1
			out[i] = v
		}
		return &backends.ModelOutput{Embeddings: out}, nil
	}}
}

func smallImageConfig() *backends.ImageConfig {
	return &backends.ImageConfig{
		Width: 2, Height: 2, Channels: 3,
		Mean:          [3]float32{0, 0, 0},
		Std:           [3]float32{1, 1, 1},
		RescaleFactor: 1.0 / 255.0,
	}
}
