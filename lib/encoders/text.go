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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/pipelines"
	"github.com/antflydb/embedkit/lib/pooling"
	"github.com/antflydb/embedkit/lib/tokenizer"
	"go.uber.org/zap"
)

var _ embeddings.Embedder = (*TextSequenceEncoder)(nil)

// TextOutput is the result of TextSequenceEncoder.EmbedText.
type TextOutput struct {
	// AvgPooling holds one masked-mean vector per input text.
	AvgPooling [][]float32

	// HiddenStates are the per-token encoder outputs [batch][seq][hidden]
	// with padding positions zeroed. Nil when only pooling was requested.
	HiddenStates [][][]float32

	// AttentionMask marks real tokens (1) and padding (0) [batch][seq]. Nil
	// when only pooling was requested.
	AttentionMask [][]int32
}

// TextSequenceEncoder embeds text with a sequence backbone such as the T5
// encoder. Rows are padded to the longest text in the batch and truncated
// to the configured max length.
type TextSequenceEncoder struct {
	cfg     Config
	model   backends.Model
	tok     tokenizer.Tokenizer
	tokOpts tokenizer.Options
	backend backends.BackendType
	scope   *backends.InferenceScope
	logger  *zap.Logger

	// dim is the hidden width: declared by config.json, or learned from the
	// first forward pass.
	dim atomic.Int64
}

// NewTextSequenceEncoder loads the tokenizer and text backbone found in
// cfg.ModelPath. No encoder is returned when either fails to load.
func NewTextSequenceEncoder(cfg Config, sm *backends.SessionManager, logger *zap.Logger) (*TextSequenceEncoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mc, err := pipelines.LoadModelConfig(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	return newTextSequenceEncoder(cfg, mc, sm, logger)
}

func newTextSequenceEncoder(cfg Config, mc *pipelines.ModelConfig, sm *backends.SessionManager, logger *zap.Logger) (*TextSequenceEncoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mc.TextEncoderFile == "" {
		return nil, fmt.Errorf("model at %s does not have a text encoder", mc.ModelPath)
	}

	tok, err := tokenizer.Load(mc.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	model, backendUsed, err := sm.LoadModel(mc.ModelPath, cfg.Backends, cfg.loadOptions(mc.TextEncoderFile)...)
	if err != nil {
		return nil, fmt.Errorf("loading text encoder: %w", err)
	}

	enc := newTextSequenceEncoderFromParts(cfg, model, tok, mc.TextDim, mc.TextMaxLength, logger)
	enc.backend = backendUsed
	logger.Info("Loaded text sequence encoder",
		zap.String("model", cfg.Name),
		zap.String("backend", string(backendUsed)),
		zap.String("modelType", mc.ModelType),
		zap.Int("dim", mc.TextDim),
		zap.Int("maxLength", enc.tokOpts.MaxLength))
	return enc, nil
}

// NewTextSequenceEncoderFromParts wraps an already loaded backbone and
// tokenizer. The encoder takes ownership of model.
func NewTextSequenceEncoderFromParts(cfg Config, model backends.Model, tok tokenizer.Tokenizer, logger *zap.Logger) (*TextSequenceEncoder, error) {
	if model == nil || tok == nil {
		return nil, errors.New("text sequence encoder needs a model and a tokenizer")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newTextSequenceEncoderFromParts(cfg, model, tok, 0, 0, logger), nil
}

func newTextSequenceEncoderFromParts(cfg Config, model backends.Model, tok tokenizer.Tokenizer, dim, backboneLimit int, logger *zap.Logger) *TextSequenceEncoder {
	enc := &TextSequenceEncoder{
		cfg:     cfg,
		model:   model,
		tok:     tok,
		tokOpts: cfg.tokenizerOptions(tok, backboneLimit),
		backend: model.Backend(),
		scope:   backends.NewInferenceScope(),
		logger:  logger,
	}
	enc.dim.Store(int64(dim))
	return enc
}

// Name returns the encoder name.
func (e *TextSequenceEncoder) Name() string { return e.cfg.Name }

// Backend returns the backend running the backbone.
func (e *TextSequenceEncoder) Backend() backends.BackendType { return e.backend }

// LDim returns the embedding width, or 0 before it is known.
func (e *TextSequenceEncoder) LDim() int { return int(e.dim.Load()) }

// MaxLength returns the effective truncation limit.
func (e *TextSequenceEncoder) MaxLength() int { return e.tokOpts.MaxLength }

// EmbedText tokenizes texts, runs the backbone and mean pools the hidden
// states over real tokens. With returnAvgPooling only the pooled vectors are
// returned; otherwise the masked hidden states and attention mask are
// returned alongside them.
//
// A text with no real tokens pools to an all-zero vector.
func (e *TextSequenceEncoder) EmbedText(ctx context.Context, texts []string, returnAvgPooling bool) (*TextOutput, error) {
	if len(texts) == 0 {
		out := &TextOutput{AvgPooling: [][]float32{}}
		if !returnAvgPooling {
			out.HiddenStates = [][][]float32{}
			out.AttentionMask = [][]int32{}
		}
		return out, nil
	}

	batch, err := tokenizer.EncodeBatch(e.tok, texts, e.tokOpts)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}

	output, err := e.forward(ctx, &backends.ModelInputs{
		InputIDs:      batch.InputIDs,
		AttentionMask: batch.AttentionMask,
	})
	if err != nil {
		return nil, err
	}
	if output == nil || len(output.LastHiddenState) == 0 {
		return nil, fmt.Errorf("backbone %s returned no hidden states", e.cfg.Name)
	}

	hidden, err := pooling.MaskHiddenStates(detach(output.LastHiddenState), batch.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("masking hidden states: %w", err)
	}
	avg, err := pooling.MeanPool(hidden, batch.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("pooling hidden states: %w", err)
	}
	if err := e.checkWidth(avg); err != nil {
		return nil, err
	}
	for i, n := range batch.Lengths {
		if n == 0 {
			emptyRows.WithLabelValues(e.cfg.Name).Inc()
			e.logger.Debug("Text has no tokens, returning zero vector", zap.Int("index", i))
		}
	}
	if e.cfg.Normalize {
		pooling.NormalizeAll(avg)
	}

	if returnAvgPooling {
		return &TextOutput{AvgPooling: avg}, nil
	}
	return &TextOutput{
		AvgPooling:    avg,
		HiddenStates:  hidden,
		AttentionMask: batch.AttentionMask,
	}, nil
}

// EncodeLang returns the pooled embedding of each text.
func (e *TextSequenceEncoder) EncodeLang(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := e.EmbedText(ctx, texts, true)
	if err != nil {
		return nil, err
	}
	return out.AvgPooling, nil
}

// Capabilities reports text-only input support.
func (e *TextSequenceEncoder) Capabilities() embeddings.EmbedderCapabilities {
	return embeddings.TextOnlyCapabilities()
}

// Embed implements embeddings.Embedder over the text parts of contents.
func (e *TextSequenceEncoder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	if len(contents) == 0 {
		return [][]float32{}, nil
	}
	return e.EncodeLang(ctx, embeddings.ExtractText(contents))
}

// EmbedWithHiddenStates returns the masked hidden states of the text parts
// of contents along with their pooled vectors.
func (e *TextSequenceEncoder) EmbedWithHiddenStates(ctx context.Context, contents [][]ai.ContentPart) (*TextOutput, error) {
	return e.EmbedText(ctx, embeddings.ExtractText(contents), false)
}

// Close releases the backbone. Calls made after Close fail with ErrClosed.
func (e *TextSequenceEncoder) Close() error {
	if !e.scope.Close() {
		return nil
	}
	if err := e.model.Close(); err != nil {
		return fmt.Errorf("closing text encoder: %w", err)
	}
	return nil
}

func (e *TextSequenceEncoder) forward(ctx context.Context, inputs *backends.ModelInputs) (*backends.ModelOutput, error) {
	release, err := e.scope.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	output, err := e.model.Forward(ctx, inputs)
	observeForward(e.cfg.Name, inputs.Modality(), inputs.BatchSize(), start)
	if err != nil {
		e.logger.Error("Forward pass failed",
			zap.String("model", e.cfg.Name),
			zap.Int("batchSize", inputs.BatchSize()),
			zap.Error(err))
		return nil, fmt.Errorf("running text encoder: %w", err)
	}
	return output, nil
}

func (e *TextSequenceEncoder) checkWidth(vecs [][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	width := len(vecs[0])
	if e.dim.CompareAndSwap(0, int64(width)) {
		return nil
	}
	if want := int(e.dim.Load()); width != want {
		return fmt.Errorf("%w: %s produced width %d, expected %d", ErrDimensionMismatch, e.cfg.Name, width, want)
	}
	return nil
}

// detach copies backend-owned hidden states so that masking never writes
// into runtime buffers.
func detach(hidden [][][]float32) [][][]float32 {
	out := make([][][]float32, len(hidden))
	for b, seq := range hidden {
		out[b] = make([][]float32, len(seq))
		for s, v := range seq {
			out[b][s] = append([]float32(nil), v...)
		}
	}
	return out
}
