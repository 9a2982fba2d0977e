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
	"errors"
	"math"
	"testing"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/embedkit/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTextEncoder(t *testing.T, model *fakeModel, tok wordTokenizer, opts ...Option) *TextSequenceEncoder {
	t.Helper()
	enc, err := NewTextSequenceEncoderFromParts(NewConfig("/models/t5-base", opts...), model, tok, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })
	return enc
}

func TestTextSequenceEncoder_AvgPoolingOnly(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{})

	// "a bb" -> [11 12 1], "ccc" -> [13 1 pad]
	out, err := enc.EmbedText(context.Background(), []string{"a bb", "ccc"}, true)
	require.NoError(t, err)

	assert.Nil(t, out.HiddenStates)
	assert.Nil(t, out.AttentionMask)
	require.Len(t, out.AvgPooling, 2)
	assert.InDeltaSlice(t, []float32{8, 1}, out.AvgPooling[0], 1e-6)
	assert.InDeltaSlice(t, []float32{7, 1}, out.AvgPooling[1], 1e-6)
	assert.Equal(t, 2, enc.LDim())
	assert.Equal(t, "t5-base", enc.Name())
}

func TestTextSequenceEncoder_HiddenStatesMasked(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{})

	out, err := enc.EmbedText(context.Background(), []string{"a bb", "ccc"}, false)
	require.NoError(t, err)

	require.Len(t, out.HiddenStates, 2)
	assert.Equal(t, [][]int32{{1, 1, 1}, {1, 1, 0}}, out.AttentionMask)
	assert.Equal(t, []float32{13, 1}, out.HiddenStates[1][0])
	assert.Equal(t, []float32{0, 0}, out.HiddenStates[1][2], "padding position must be zeroed")
	assert.InDeltaSlice(t, []float32{7, 1}, out.AvgPooling[1], 1e-6)
}

func TestTextSequenceEncoder_EmptyBatch(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{})

	out, err := enc.EmbedText(context.Background(), nil, true)
	require.NoError(t, err)
	assert.NotNil(t, out.AvgPooling)
	assert.Empty(t, out.AvgPooling)

	out, err = enc.EmbedText(context.Background(), []string{}, false)
	require.NoError(t, err)
	assert.Empty(t, out.HiddenStates)
	assert.Empty(t, out.AttentionMask)
}

func TestTextSequenceEncoder_DeterministicAndBatchIndependent(t *testing.T) {
	model := tokenEchoModel()
	enc := newTestTextEncoder(t, model, wordTokenizer{})
	ctx := context.Background()

	batched, err := enc.EncodeLang(ctx, []string{"a much longer sentence here", "ccc"})
	require.NoError(t, err)
	again, err := enc.EncodeLang(ctx, []string{"a much longer sentence here", "ccc"})
	require.NoError(t, err)
	alone, err := enc.EncodeLang(ctx, []string{"ccc"})
	require.NoError(t, err)

	assert.Equal(t, batched, again)
	assert.Equal(t, alone[0], batched[1])
	assert.Equal(t, int32(3), model.calls.Load())
}

func TestTextSequenceEncoder_Truncation(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{}, WithMaxLength(3))

	// [11 12 13 14 1] truncated to [11 12 1]
	out, err := enc.EmbedText(context.Background(), []string{"a bb ccc dddd"}, false)
	require.NoError(t, err)
	assert.Len(t, out.AttentionMask[0], 3)
	assert.InDeltaSlice(t, []float32{8, 1}, out.AvgPooling[0], 1e-6)
	assert.Equal(t, 3, enc.MaxLength())
}

func TestTextSequenceEncoder_ZeroConfigTruncates(t *testing.T) {
	enc, err := NewTextSequenceEncoderFromParts(Config{ModelPath: "/m", MaxLength: 3}, tokenEchoModel(), wordTokenizer{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer enc.Close()

	out, err := enc.EmbedText(context.Background(), []string{"a bb ccc dddd"}, false)
	require.NoError(t, err)
	assert.Len(t, out.AttentionMask[0], 3)
	assert.InDeltaSlice(t, []float32{8, 1}, out.AvgPooling[0], 1e-6)
}

func TestTextSequenceEncoder_TruncationDisabled(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{}, WithMaxLength(3), WithTruncation(false))

	out, err := enc.EmbedText(context.Background(), []string{"a bb ccc dddd"}, false)
	require.NoError(t, err)
	assert.Len(t, out.AttentionMask[0], 5)
}

func TestTextSequenceEncoder_FullyMaskedRowIsZero(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{noEOS: true})

	out, err := enc.EmbedText(context.Background(), []string{"", "a"}, false)
	require.NoError(t, err)

	assert.Equal(t, []int32{0}, out.AttentionMask[0])
	assert.Equal(t, []float32{0, 0}, out.AvgPooling[0])
	for _, v := range out.AvgPooling[0] {
		assert.False(t, math.Signbit(float64(v)))
	}
	assert.InDeltaSlice(t, []float32{11, 1}, out.AvgPooling[1], 1e-6)
}

func TestTextSequenceEncoder_Normalize(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{noEOS: true}, WithNormalization(true))

	out, err := enc.EncodeLang(context.Background(), []string{"", "a"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, out[0])

	var norm float64
	for _, v := range out[1] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestTextSequenceEncoder_ForwardError(t *testing.T) {
	boom := errors.New("boom")
	model := &fakeModel{name: "broken", forward: func(*backends.ModelInputs) (*backends.ModelOutput, error) {
		return nil, boom
	}}
	enc := newTestTextEncoder(t, model, wordTokenizer{})

	_, err := enc.EmbedText(context.Background(), []string{"a"}, true)
	assert.ErrorIs(t, err, boom)
}

func TestTextSequenceEncoder_WidthChange(t *testing.T) {
	width := 2
	model := &fakeModel{name: "drift", forward: func(in *backends.ModelInputs) (*backends.ModelOutput, error) {
		hidden := make([][][]float32, len(in.InputIDs))
		for b, row := range in.InputIDs {
			hidden[b] = make([][]float32, len(row))
			for s := range row {
				hidden[b][s] = make([]float32, width)
			}
		}
		return &backends.ModelOutput{LastHiddenState: hidden}, nil
	}}
	enc := newTestTextEncoder(t, model, wordTokenizer{})

	_, err := enc.EncodeLang(context.Background(), []string{"a"})
	require.NoError(t, err)

	width = 3
	_, err = enc.EncodeLang(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestTextSequenceEncoder_Close(t *testing.T) {
	model := tokenEchoModel()
	enc, err := NewTextSequenceEncoderFromParts(NewConfig("/models/t5"), model, wordTokenizer{}, nil)
	require.NoError(t, err)

	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())
	assert.Equal(t, int32(1), model.closed.Load())

	_, err = enc.EmbedText(context.Background(), []string{"a"}, true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTextSequenceEncoder_Embed(t *testing.T) {
	enc := newTestTextEncoder(t, tokenEchoModel(), wordTokenizer{})

	got, err := enc.Embed(context.Background(), [][]ai.ContentPart{
		{ai.TextContent{Text: "a bb"}},
		{ai.TextContent{Text: "ccc"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDeltaSlice(t, []float32{7, 1}, got[1], 1e-6)

	hs, err := enc.EmbedWithHiddenStates(context.Background(), [][]ai.ContentPart{{ai.TextContent{Text: "ccc"}}})
	require.NoError(t, err)
	assert.Len(t, hs.HiddenStates, 1)

	require.NotEmpty(t, enc.Capabilities().SupportedMIMETypes)
	assert.Equal(t, "text/plain", enc.Capabilities().SupportedMIMETypes[0].MIMEType)
}

func TestTextSequenceEncoder_NeedsParts(t *testing.T) {
	_, err := NewTextSequenceEncoderFromParts(NewConfig("/models/t5"), nil, wordTokenizer{}, nil)
	assert.Error(t, err)

	_, err = NewTextSequenceEncoderFromParts(NewConfig("/models/t5", WithPadding("ragged")), tokenEchoModel(), wordTokenizer{}, nil)
	assert.Error(t, err)
}
