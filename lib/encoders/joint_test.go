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
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/pipelines"
	"github.com/antflydb/embedkit/lib/pooling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testJointParts(textDim, visualDim int) JointParts {
	return JointParts{
		Text:        pooledTextModel(4),
		Visual:      pooledVisualModel(4),
		Tokenizer:   wordTokenizer{bos: true},
		ImageConfig: smallImageConfig(),
		TextDim:     textDim,
		VisualDim:   visualDim,
	}
}

func newTestJointEncoder(t *testing.T, parts JointParts, opts ...Option) *JointEncoder {
	t.Helper()
	enc, err := NewJointEncoderFromParts(NewConfig("/models/DecisionNCE-T", opts...), parts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })
	return enc
}

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestJointEncoder_DeclaredDims(t *testing.T) {
	parts := testJointParts(4, 4)
	enc := newTestJointEncoder(t, parts)

	assert.Equal(t, 4, enc.VDim())
	assert.Equal(t, enc.VDim(), enc.LDim())
	assert.Zero(t, parts.Text.(*fakeModel).calls.Load(), "declared widths need no probe")
	assert.Equal(t, "DecisionNCE-T", enc.Name())
}

func TestJointEncoder_DeclaredMismatch(t *testing.T) {
	_, err := NewJointEncoderFromParts(NewConfig("/models/x"), testJointParts(4, 3), nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestJointEncoder_ProbeDims(t *testing.T) {
	parts := testJointParts(0, 0)
	enc := newTestJointEncoder(t, parts)
	assert.Equal(t, 4, enc.VDim())
	assert.Equal(t, int32(1), parts.Text.(*fakeModel).calls.Load())
	assert.Equal(t, int32(1), parts.Visual.(*fakeModel).calls.Load())

	mismatched := testJointParts(0, 0)
	mismatched.Visual = pooledVisualModel(3)
	_, err := NewJointEncoderFromParts(NewConfig("/models/x"), mismatched, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestJointEncoder_EncodeLang(t *testing.T) {
	enc := newTestJointEncoder(t, testJointParts(4, 4))

	// "a bb" -> [bos 11 12 eos] = [2 11 12 1]
	got, err := enc.EncodeLang(context.Background(), []string{"a bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{26, 4, 0, 0}, {16, 3, 0, 0}}, got)
}

func TestJointEncoder_EncodeImage(t *testing.T) {
	enc := newTestJointEncoder(t, testJointParts(4, 4))

	batch := pipelines.ImageBatch{Pixels: make([]float32, 2*3*2*2), N: 2, C: 3, H: 2, W: 2}
	for i := range 12 {
		batch.Pixels[i] = 1
	}
	got, err := enc.EncodeImage(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1, 0, 0}, {0, 1, 0, 0}}, got)

	_, err = enc.EncodeImage(context.Background(), pipelines.ImageBatch{Pixels: make([]float32, 5), N: 1, C: 3, H: 2, W: 2})
	assert.Error(t, err)
}

func TestJointEncoder_EncodeImageBytes(t *testing.T) {
	enc := newTestJointEncoder(t, testJointParts(4, 4))

	got, err := enc.EncodeImageBytes(context.Background(), [][]byte{
		solidPNG(t, color.White),
		solidPNG(t, color.Black),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0][0], 1e-3)
	assert.InDelta(t, 0.0, got[1][0], 1e-3)
}

func TestJointEncoder_EmptyInputs(t *testing.T) {
	parts := testJointParts(4, 4)
	enc := newTestJointEncoder(t, parts)
	ctx := context.Background()

	texts, err := enc.EncodeLang(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, texts)

	images, err := enc.EncodeImage(ctx, pipelines.ImageBatch{})
	require.NoError(t, err)
	assert.Empty(t, images)

	assert.Zero(t, parts.Text.(*fakeModel).calls.Load())
	assert.Zero(t, parts.Visual.(*fakeModel).calls.Load())
}

func TestJointEncoder_HiddenStatePooling(t *testing.T) {
	parts := testJointParts(2, 2)
	parts.Text = tokenEchoModel()
	parts.Visual = pooledVisualModel(2)
	parts.Tokenizer = wordTokenizer{bos: true, noEOS: true}

	enc := newTestJointEncoder(t, parts)
	// [2 11 12] and [2 13 pad]: EOS pooling reads the last real token.
	got, err := enc.EncodeLang(context.Background(), []string{"a bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{12, 1}, {13, 1}}, got)

	mean := newTestJointEncoder(t, JointParts{
		Text:        tokenEchoModel(),
		Visual:      pooledVisualModel(2),
		Tokenizer:   wordTokenizer{bos: true, noEOS: true},
		ImageConfig: smallImageConfig(),
		TextDim:     2,
		VisualDim:   2,
	}, WithPooling(pooling.StrategyMean))
	got, err = mean.EncodeLang(context.Background(), []string{"ccc"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{7.5, 1}, got[0], 1e-6)
}

func TestJointEncoder_Projection(t *testing.T) {
	double := func(name string) *fakeModel {
		return &fakeModel{name: name, forward: func(in *backends.ModelInputs) (*backends.ModelOutput, error) {
			out := make([][]float32, len(in.Embeddings))
			for i, v := range in.Embeddings {
				out[i] = make([]float32, len(v))
				for j, x := range v {
					out[i][j] = 2 * x
				}
			}
			return &backends.ModelOutput{Embeddings: out}, nil
		}}
	}
	parts := testJointParts(4, 4)
	parts.TextProjection = double("text_projection")
	parts.VisualProjection = double("visual_projection")
	enc := newTestJointEncoder(t, parts)

	got, err := enc.EncodeLang(context.Background(), []string{"ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{32, 6, 0, 0}}, got)
}

func TestJointEncoder_OutputWidthChecked(t *testing.T) {
	parts := testJointParts(4, 4)
	parts.Text = pooledTextModel(3)
	enc := newTestJointEncoder(t, parts)

	_, err := enc.EncodeLang(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestJointEncoder_Embed(t *testing.T) {
	parts := testJointParts(4, 4)
	enc := newTestJointEncoder(t, parts)

	got, err := enc.Embed(context.Background(), [][]ai.ContentPart{
		{ai.TextContent{Text: "ccc"}},
		{ai.BinaryContent{MIMEType: "image/png", Data: solidPNG(t, color.White)}},
		{ai.ImageURLContent{URL: "bb"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{16, 3, 0, 0}, got[0])
	assert.InDelta(t, 1.0, got[1][0], 1e-3)
	assert.Equal(t, []float32{15, 3, 0, 0}, got[2])
	// Texts are batched into a single forward pass.
	assert.Equal(t, int32(1), parts.Text.(*fakeModel).calls.Load())

	_, err = enc.Embed(context.Background(), [][]ai.ContentPart{{ai.TextContent{}}})
	assert.ErrorContains(t, err, "no text or image content")

	mimes := make([]string, 0)
	for _, m := range enc.Capabilities().SupportedMIMETypes {
		mimes = append(mimes, m.MIMEType)
	}
	assert.Contains(t, mimes, "text/plain")
	assert.Contains(t, mimes, "image/png")
}

func TestJointEncoder_Close(t *testing.T) {
	parts := testJointParts(4, 4)
	parts.TextProjection = pooledTextModel(4)
	enc, err := NewJointEncoderFromParts(NewConfig("/models/x"), parts, nil)
	require.NoError(t, err)

	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())
	for _, m := range parts.models() {
		assert.Equal(t, int32(1), m.(*fakeModel).closed.Load(), m.Name())
	}

	_, err = enc.EncodeLang(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = enc.EncodeImages(context.Background(), []image.Image{image.NewRGBA(image.Rect(0, 0, 2, 2))})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJointEncoder_NeedsBothTowers(t *testing.T) {
	parts := testJointParts(4, 4)
	parts.Visual = nil
	_, err := NewJointEncoderFromParts(NewConfig("/models/x"), parts, nil)
	assert.Error(t, err)
}
