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
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/pipelines"
	"github.com/antflydb/embedkit/lib/pooling"
	"github.com/antflydb/embedkit/lib/tokenizer"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"go.uber.org/zap"
)

var _ embeddings.Embedder = (*JointEncoder)(nil)

// probeText is tokenized once at construction when a backbone does not
// declare its output widths.
const probeText = "a photo"

// JointParts are the loaded pieces of a joint backbone.
type JointParts struct {
	Text   backends.Model
	Visual backends.Model

	// Optional projection heads applied after each tower.
	TextProjection   backends.Model
	VisualProjection backends.Model

	Tokenizer   tokenizer.Tokenizer
	ImageConfig *backends.ImageConfig

	// Declared output widths, zero when unknown.
	TextDim   int
	VisualDim int

	// TextMaxLength is the text tower's positional limit, zero when unknown.
	TextMaxLength int
}

func (p JointParts) models() []backends.Model {
	var out []backends.Model
	for _, m := range []backends.Model{p.Text, p.Visual, p.TextProjection, p.VisualProjection} {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

// JointEncoder embeds images and text into one shared space. Both towers
// always produce vectors of the same width.
type JointEncoder struct {
	cfg     Config
	parts   JointParts
	tokOpts tokenizer.Options
	images  *pipelines.ImageProcessor
	dim     int
	backend backends.BackendType
	caps    embeddings.EmbedderCapabilities
	scope   *backends.InferenceScope
	logger  *zap.Logger

	textPooling   pooling.Strategy
	visualPooling pooling.Strategy
}

// NewJointEncoder loads the visual tower, text tower, optional projection
// heads and tokenizer found in cfg.ModelPath.
//
// Construction fails with ErrDimensionMismatch when the two towers disagree
// on output width.
func NewJointEncoder(cfg Config, sm *backends.SessionManager, logger *zap.Logger) (*JointEncoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mc, err := pipelines.LoadModelConfig(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	return newJointEncoder(cfg, mc, sm, logger)
}

func newJointEncoder(cfg Config, mc *pipelines.ModelConfig, sm *backends.SessionManager, logger *zap.Logger) (*JointEncoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mc.Variant() != pipelines.VariantJoint {
		return nil, fmt.Errorf("model at %s needs both a visual and a text encoder", mc.ModelPath)
	}
	if mc.TextDim > 0 && mc.VisualDim > 0 && mc.TextDim != mc.VisualDim {
		return nil, fmt.Errorf("%w: %s declares visual width %d and text width %d",
			ErrDimensionMismatch, mc.ModelPath, mc.VisualDim, mc.TextDim)
	}

	tok, err := tokenizer.Load(mc.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	parts := JointParts{
		Tokenizer:     tok,
		ImageConfig:   mc.ImageConfig,
		TextDim:       mc.TextDim,
		VisualDim:     mc.VisualDim,
		TextMaxLength: mc.TextMaxLength,
	}
	var backendUsed backends.BackendType
	load := func(file, what string) (backends.Model, error) {
		if file == "" {
			return nil, nil
		}
		model, bt, err := sm.LoadModel(mc.ModelPath, cfg.Backends, cfg.loadOptions(file)...)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", what, err)
		}
		if backendUsed == "" {
			backendUsed = bt
		}
		logger.Debug("Loaded joint encoder component",
			zap.String("component", what),
			zap.String("file", file),
			zap.String("backend", string(bt)))
		return model, nil
	}

	steps := []struct {
		file string
		what string
		dst  *backends.Model
	}{
		{mc.TextEncoderFile, "text encoder", &parts.Text},
		{mc.VisualEncoderFile, "visual encoder", &parts.Visual},
		{mc.TextProjectionFile, "text projection", &parts.TextProjection},
		{mc.VisualProjectionFile, "visual projection", &parts.VisualProjection},
	}
	for _, step := range steps {
		model, err := load(step.file, step.what)
		if err != nil {
			closeModels(parts.models())
			return nil, err
		}
		*step.dst = model
	}

	enc, err := newJointEncoderFromParts(cfg, parts, logger)
	if err != nil {
		closeModels(parts.models())
		return nil, err
	}
	enc.backend = backendUsed

	logger.Info("Loaded joint encoder",
		zap.String("model", cfg.Name),
		zap.String("modelType", mc.ModelType),
		zap.String("backend", string(backendUsed)),
		zap.Int("dim", enc.dim),
		zap.Bool("textProjection", parts.TextProjection != nil),
		zap.Bool("visualProjection", parts.VisualProjection != nil))
	return enc, nil
}

// NewJointEncoderFromParts assembles an encoder from loaded parts. When
// either width is undeclared, one probe row is run through each tower to
// measure it. On success the encoder owns the models; on error the caller
// still does.
func NewJointEncoderFromParts(cfg Config, parts JointParts, logger *zap.Logger) (*JointEncoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newJointEncoderFromParts(cfg, parts, logger)
}

func newJointEncoderFromParts(cfg Config, parts JointParts, logger *zap.Logger) (*JointEncoder, error) {
	if parts.Text == nil || parts.Visual == nil || parts.Tokenizer == nil {
		return nil, errors.New("joint encoder needs a text tower, a visual tower and a tokenizer")
	}

	tokOpts := cfg.tokenizerOptions(parts.Tokenizer, parts.TextMaxLength)
	if id, err := parts.Tokenizer.SpecialTokenID(api.TokBeginningOfSentence); err == nil && id >= 0 {
		tokOpts.BOSID = int32(id)
	}

	enc := &JointEncoder{
		cfg:           cfg,
		parts:         parts,
		tokOpts:       tokOpts,
		images:        pipelines.NewImageProcessor(parts.ImageConfig),
		backend:       parts.Text.Backend(),
		caps:          jointCapabilities(),
		scope:         backends.NewInferenceScope(),
		logger:        logger,
		textPooling:   pooling.StrategyEOS,
		visualPooling: pooling.StrategyCLS,
	}
	if cfg.Pooling != "" {
		enc.textPooling = cfg.Pooling
		enc.visualPooling = cfg.Pooling
	}

	vDim, lDim := parts.VisualDim, parts.TextDim
	if vDim == 0 || lDim == 0 {
		measuredV, measuredL, err := enc.probe(context.Background())
		if err != nil {
			return nil, fmt.Errorf("probing output widths: %w", err)
		}
		vDim, lDim = measuredV, measuredL
	}
	if vDim != lDim {
		return nil, fmt.Errorf("%w: visual width %d, text width %d", ErrDimensionMismatch, vDim, lDim)
	}
	enc.dim = vDim
	return enc, nil
}

func (e *JointEncoder) probe(ctx context.Context) (int, int, error) {
	text, err := e.encodeText(ctx, []string{probeText})
	if err != nil {
		return 0, 0, err
	}
	ic := e.images.Config
	batch := pipelines.ImageBatch{
		Pixels: make([]float32, ic.Channels*ic.Height*ic.Width),
		N:      1,
		C:      ic.Channels,
		H:      ic.Height,
		W:      ic.Width,
	}
	visual, err := e.encodeVisual(ctx, batch)
	if err != nil {
		return 0, 0, err
	}
	return len(visual[0]), len(text[0]), nil
}

func jointCapabilities() embeddings.EmbedderCapabilities {
	return embeddings.EmbedderCapabilities{
		SupportedMIMETypes: []embeddings.MIMETypeSupport{
			{MIMEType: "text/plain"},
			{MIMEType: "image/jpeg"},
			{MIMEType: "image/png"},
			{MIMEType: "image/*"},
		},
	}
}

// Name returns the encoder name.
func (e *JointEncoder) Name() string { return e.cfg.Name }

// Backend returns the backend running the text tower.
func (e *JointEncoder) Backend() backends.BackendType { return e.backend }

// VDim returns the image embedding width.
func (e *JointEncoder) VDim() int { return e.dim }

// LDim returns the text embedding width. It always equals VDim.
func (e *JointEncoder) LDim() int { return e.dim }

// ImageProcessor returns the preprocessing used by EncodeImages.
func (e *JointEncoder) ImageProcessor() *pipelines.ImageProcessor { return e.images }

// EncodeImage embeds a preprocessed NCHW batch.
func (e *JointEncoder) EncodeImage(ctx context.Context, images pipelines.ImageBatch) ([][]float32, error) {
	if err := images.Validate(); err != nil {
		return nil, err
	}
	if images.N == 0 {
		return [][]float32{}, nil
	}

	release, err := e.scope.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	vecs, err := e.encodeVisual(ctx, images)
	if err != nil {
		return nil, err
	}
	return e.finish(vecs, "image")
}

// EncodeImages preprocesses decoded images and embeds them.
func (e *JointEncoder) EncodeImages(ctx context.Context, images []image.Image) ([][]float32, error) {
	if len(images) == 0 {
		return [][]float32{}, nil
	}
	return e.EncodeImage(ctx, e.images.ProcessBatch(images))
}

// EncodeImageBytes decodes, preprocesses and embeds encoded images.
func (e *JointEncoder) EncodeImageBytes(ctx context.Context, data [][]byte) ([][]float32, error) {
	batch, err := e.images.ProcessBytes(data)
	if err != nil {
		return nil, err
	}
	return e.EncodeImage(ctx, batch)
}

// EncodeLang embeds texts into the shared space.
func (e *JointEncoder) EncodeLang(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	release, err := e.scope.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	vecs, err := e.encodeText(ctx, texts)
	if err != nil {
		return nil, err
	}
	return e.finish(vecs, "text")
}

func (e *JointEncoder) finish(vecs [][]float32, modality string) ([][]float32, error) {
	for i, v := range vecs {
		if len(v) != e.dim {
			return nil, fmt.Errorf("%w: %s output %d has width %d, expected %d",
				ErrDimensionMismatch, modality, i, len(v), e.dim)
		}
	}
	if e.cfg.Normalize {
		pooling.NormalizeAll(vecs)
	}
	return vecs, nil
}

func (e *JointEncoder) encodeText(ctx context.Context, texts []string) ([][]float32, error) {
	batch, err := tokenizer.EncodeBatch(e.parts.Tokenizer, texts, e.tokOpts)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}
	inputs := &backends.ModelInputs{
		InputIDs:      batch.InputIDs,
		AttentionMask: batch.AttentionMask,
	}
	return e.runTower(ctx, e.parts.Text, e.parts.TextProjection, inputs, batch.AttentionMask, e.textPooling)
}

func (e *JointEncoder) encodeVisual(ctx context.Context, images pipelines.ImageBatch) ([][]float32, error) {
	return e.runTower(ctx, e.parts.Visual, e.parts.VisualProjection, images.ModelInputs(), nil, e.visualPooling)
}

// runTower runs one tower and its projection head. A tower that emits
// [batch, dim] is passed through; one that emits only hidden states is
// pooled with strategy.
func (e *JointEncoder) runTower(ctx context.Context, tower, projection backends.Model, inputs *backends.ModelInputs, mask [][]int32, strategy pooling.Strategy) ([][]float32, error) {
	modality := inputs.Modality()
	start := time.Now()
	output, err := tower.Forward(ctx, inputs)
	observeForward(e.cfg.Name, modality, inputs.BatchSize(), start)
	if err != nil {
		return nil, fmt.Errorf("running %s tower: %w", modality, err)
	}
	if output == nil {
		return nil, fmt.Errorf("%s tower returned no output", modality)
	}

	var vecs [][]float32
	switch {
	case len(output.Embeddings) > 0:
		vecs = output.Embeddings
	case len(output.LastHiddenState) > 0:
		if mask == nil {
			mask = fullMask(output.LastHiddenState)
		}
		vecs, err = pooling.Pool(output.LastHiddenState, mask, strategy)
		if err != nil {
			return nil, fmt.Errorf("pooling %s tower output: %w", modality, err)
		}
	default:
		return nil, fmt.Errorf("%s tower returned neither embeddings nor hidden states", modality)
	}
	if len(vecs) != inputs.BatchSize() {
		return nil, fmt.Errorf("%s tower returned %d rows for %d inputs", modality, len(vecs), inputs.BatchSize())
	}

	if projection == nil {
		return vecs, nil
	}
	projected, err := projection.Forward(ctx, &backends.ModelInputs{Embeddings: vecs})
	if err != nil {
		return nil, fmt.Errorf("running %s projection: %w", modality, err)
	}
	if projected == nil || len(projected.Embeddings) != len(vecs) {
		return nil, fmt.Errorf("%s projection returned no embeddings", modality)
	}
	return projected.Embeddings, nil
}

func fullMask(hidden [][][]float32) [][]int32 {
	mask := make([][]int32, len(hidden))
	for b, seq := range hidden {
		mask[b] = make([]int32, len(seq))
		for s := range mask[b] {
			mask[b][s] = 1
		}
	}
	return mask
}

// Capabilities reports text and image input support.
func (e *JointEncoder) Capabilities() embeddings.EmbedderCapabilities {
	return e.caps
}

// Embed implements embeddings.Embedder. Each input holds either text or an
// image; texts and images are batched separately.
func (e *JointEncoder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	if len(contents) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(contents))
	var (
		textIndices  []int
		textInputs   []string
		imageIndices []int
		imageInputs  []image.Image
	)
	for i, parts := range contents {
		text, img, err := extractContent(parts)
		if err != nil {
			return nil, fmt.Errorf("extracting content at index %d: %w", i, err)
		}
		switch {
		case text != "":
			textIndices = append(textIndices, i)
			textInputs = append(textInputs, text)
		case img != nil:
			imageIndices = append(imageIndices, i)
			imageInputs = append(imageInputs, img)
		default:
			return nil, fmt.Errorf("no text or image content found at index %d", i)
		}
	}

	if len(textInputs) > 0 {
		vecs, err := e.EncodeLang(ctx, textInputs)
		if err != nil {
			return nil, fmt.Errorf("embedding texts: %w", err)
		}
		for i, idx := range textIndices {
			results[idx] = vecs[i]
		}
	}
	if len(imageInputs) > 0 {
		vecs, err := e.EncodeImages(ctx, imageInputs)
		if err != nil {
			return nil, fmt.Errorf("embedding images: %w", err)
		}
		for i, idx := range imageIndices {
			results[idx] = vecs[i]
		}
	}
	return results, nil
}

func extractContent(parts []ai.ContentPart) (string, image.Image, error) {
	for _, part := range parts {
		switch c := part.(type) {
		case ai.TextContent:
			if c.Text != "" {
				return c.Text, nil, nil
			}
		case ai.BinaryContent:
			if strings.HasPrefix(c.MIMEType, "image/") {
				img, _, err := image.Decode(bytes.NewReader(c.Data))
				if err != nil {
					return "", nil, fmt.Errorf("decoding image: %w", err)
				}
				return "", img, nil
			}
		case ai.ImageURLContent:
			// URLs are embedded as text.
			if c.URL != "" {
				return c.URL, nil, nil
			}
		}
	}
	return "", nil, nil
}

// Close releases every loaded model. Calls made after Close fail with
// ErrClosed.
func (e *JointEncoder) Close() error {
	if !e.scope.Close() {
		return nil
	}
	if err := closeModels(e.parts.models()); err != nil {
		return fmt.Errorf("closing joint encoder: %w", err)
	}
	return nil
}

func closeModels(models []backends.Model) error {
	var errs []error
	for _, m := range models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}
