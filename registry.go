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

package embedkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/encoders"
	"github.com/antflydb/embedkit/lib/modelregistry"
	"github.com/antflydb/embedkit/lib/pipelines"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

var (
	// ErrRegistryClosed is returned by an EncoderRegistry after Close.
	ErrRegistryClosed = errors.New("encoder registry is closed")

	// ErrUnsupported is returned when a model lacks the requested modality.
	ErrUnsupported = errors.New("operation not supported by encoder")
)

// EncoderFactory builds an encoder from a resolved model directory.
type EncoderFactory func(cfg encoders.Config, sm *backends.SessionManager, logger *zap.Logger) (encoders.Encoder, error)

// RegistryOption customises an EncoderRegistry.
type RegistryOption func(*EncoderRegistry)

// WithEncoderFactory replaces encoders.New.
func WithEncoderFactory(f EncoderFactory) RegistryOption {
	return func(r *EncoderRegistry) { r.newEncoder = f }
}

// WithHuggingFaceClient sets the client used to pull missing models.
func WithHuggingFaceClient(c *modelregistry.HuggingFaceClient) RegistryOption {
	return func(r *EncoderRegistry) { r.hfClient = c }
}

// EncoderRegistry loads encoders on first use and unloads them after
// Config.KeepAlive of inactivity or when Config.MaxLoadedModels is exceeded.
type EncoderRegistry struct {
	cfg            Config
	sessionManager *backends.SessionManager
	resolver       *modelregistry.Resolver
	hfClient       *modelregistry.HuggingFaceClient
	newEncoder     EncoderFactory
	textCache      *EmbeddingCache
	logger         *zap.Logger

	cache  *ttlcache.Cache[string, encoders.Encoder]
	mu     sync.Mutex
	closed atomic.Bool
}

// NewEncoderRegistry validates cfg and returns an empty registry.
func NewEncoderRegistry(cfg Config, logger *zap.Logger, opts ...RegistryOption) (*EncoderRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	priority, err := backends.ParseBackendPriority(cfg.BackendPriority)
	if err != nil {
		return nil, err
	}

	r := &EncoderRegistry{
		cfg:            cfg,
		sessionManager: backends.NewSessionManager(),
		newEncoder:     encoders.New,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sessionManager.SetPriority(priority)
	if r.hfClient == nil {
		r.hfClient = modelregistry.NewHuggingFaceClient(
			modelregistry.WithHFToken(cfg.HFToken),
			modelregistry.WithHFLogger(logger.Named("hf")),
		)
	}
	r.resolver = modelregistry.NewResolver(cfg.ModelsDir, cfg.Pull, r.hfClient, logger.Named("resolver"))
	if cfg.CacheTTL > 0 {
		r.textCache = NewEmbeddingCache(cfg.CacheTTL, logger.Named("cache"))
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL
	}
	cacheOpts := []ttlcache.Option[string, encoders.Encoder]{
		ttlcache.WithTTL[string, encoders.Encoder](keepAlive),
	}
	if cfg.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, encoders.Encoder](cfg.MaxLoadedModels))
	}
	r.cache = ttlcache.New(cacheOpts...)
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, encoders.Encoder]) {
		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		case ttlcache.EvictionReasonDeleted:
			reasonStr = "manually deleted"
		}
		logger.Info("Unloading encoder",
			zap.String("model", item.Key()),
			zap.String("reason", reasonStr))
		if err := item.Value().Close(); err != nil {
			logger.Warn("Error closing encoder",
				zap.String("model", item.Key()),
				zap.Error(err))
		}
	})
	go r.cache.Start()

	return r, nil
}

// Get returns the encoder for model, resolving and loading it if needed.
func (r *EncoderRegistry) Get(ctx context.Context, model string) (encoders.Encoder, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if item := r.cache.Get(model); item != nil {
		r.logger.Debug("Encoder cache hit", zap.String("model", model))
		return item.Value(), nil
	}
	return r.load(ctx, model)
}

func (r *EncoderRegistry) load(ctx context.Context, model string) (encoders.Encoder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.cache.Get(model); item != nil {
		return item.Value(), nil
	}

	path, err := r.resolver.Resolve(ctx, model)
	if err != nil {
		return nil, err
	}
	encCfg, err := r.cfg.encoderConfig(model, path)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Loading encoder on demand",
		zap.String("model", model),
		zap.String("path", path))

	start := time.Now()
	enc, err := r.newEncoder(encCfg, r.sessionManager, r.logger.Named(model))
	if err != nil {
		r.logger.Error("Failed to load encoder",
			zap.String("model", model),
			zap.Error(err))
		return nil, fmt.Errorf("loading encoder %s: %w", model, err)
	}
	elapsed := time.Since(start)
	RecordModelLoadDuration(model, variantOf(enc), elapsed.Seconds())

	if r.closed.Load() {
		_ = enc.Close()
		return nil, ErrRegistryClosed
	}
	r.cache.Set(model, enc, ttlcache.DefaultTTL)

	r.logger.Info("Successfully loaded encoder",
		zap.String("model", model),
		zap.String("variant", variantOf(enc)),
		zap.String("backend", string(enc.Backend())),
		zap.Duration("duration", elapsed))
	return enc, nil
}

// GetLang returns a text encoder for model. When the embedding cache is
// enabled the encoder is wrapped with it.
func (r *EncoderRegistry) GetLang(ctx context.Context, model string) (encoders.LangEncoder, error) {
	enc, err := r.Get(ctx, model)
	if err != nil {
		return nil, err
	}
	lang, ok := enc.(encoders.LangEncoder)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not encode text", ErrUnsupported, model)
	}
	if r.textCache != nil {
		return r.textCache.Wrap(lang, model), nil
	}
	return lang, nil
}

// GetImage returns an image encoder for model.
func (r *EncoderRegistry) GetImage(ctx context.Context, model string) (encoders.ImageEncoder, error) {
	enc, err := r.Get(ctx, model)
	if err != nil {
		return nil, err
	}
	img, ok := enc.(encoders.ImageEncoder)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not encode images", ErrUnsupported, model)
	}
	return img, nil
}

// EncodeLang embeds texts with model.
func (r *EncoderRegistry) EncodeLang(ctx context.Context, model string, texts []string) (out [][]float32, err error) {
	defer r.observe("encode_lang", model, time.Now(), &err)

	enc, err := r.GetLang(ctx, model)
	if err != nil {
		return nil, err
	}
	out, err = enc.EncodeLang(ctx, texts)
	if err != nil {
		return nil, err
	}
	RecordEncodeRequest(model, "text", len(out))
	return out, nil
}

// EncodeImage embeds a preprocessed image batch with model.
func (r *EncoderRegistry) EncodeImage(ctx context.Context, model string, images pipelines.ImageBatch) (out [][]float32, err error) {
	defer r.observe("encode_image", model, time.Now(), &err)

	enc, err := r.GetImage(ctx, model)
	if err != nil {
		return nil, err
	}
	out, err = enc.EncodeImage(ctx, images)
	if err != nil {
		return nil, err
	}
	RecordEncodeRequest(model, "image", len(out))
	return out, nil
}

// EncodeImageBytes decodes, preprocesses and embeds encoded images.
func (r *EncoderRegistry) EncodeImageBytes(ctx context.Context, model string, data [][]byte) (out [][]float32, err error) {
	defer r.observe("encode_image", model, time.Now(), &err)

	enc, err := r.Get(ctx, model)
	if err != nil {
		return nil, err
	}
	joint, ok := enc.(*encoders.JointEncoder)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not encode images", ErrUnsupported, model)
	}
	out, err = joint.EncodeImageBytes(ctx, data)
	if err != nil {
		return nil, err
	}
	RecordEncodeRequest(model, "image", len(out))
	return out, nil
}

// EmbedText runs a text sequence encoder and returns pooled embeddings and,
// unless returnAvgPooling is set, the masked hidden states.
func (r *EncoderRegistry) EmbedText(ctx context.Context, model string, texts []string, returnAvgPooling bool) (out *encoders.TextOutput, err error) {
	defer r.observe("embed_text", model, time.Now(), &err)

	enc, err := r.Get(ctx, model)
	if err != nil {
		return nil, err
	}
	seq, ok := enc.(*encoders.TextSequenceEncoder)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a text sequence encoder", ErrUnsupported, model)
	}
	out, err = seq.EmbedText(ctx, texts, returnAvgPooling)
	if err != nil {
		return nil, err
	}
	RecordEncodeRequest(model, "text", len(out.AvgPooling))
	return out, nil
}

func (r *EncoderRegistry) observe(op, model string, start time.Time, errp *error) {
	status := "ok"
	if *errp != nil {
		status = "error"
	}
	RecordRequestDuration(op, model, status, time.Since(start).Seconds())
}

// Preload loads models ahead of the first request.
func (r *EncoderRegistry) Preload(ctx context.Context, models []string) error {
	if len(models) == 0 {
		return nil
	}
	r.logger.Info("Preloading encoders", zap.Strings("models", models))

	var errs []error
	for _, name := range models {
		if _, err := r.Get(ctx, name); err != nil {
			r.logger.Warn("Failed to preload encoder",
				zap.String("model", name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(models) {
		return fmt.Errorf("all %d encoders failed to preload: %w", len(models), errors.Join(errs...))
	}
	return nil
}

// ListLoaded returns the names of loaded encoders.
func (r *EncoderRegistry) ListLoaded() []string { return r.cache.Keys() }

// IsLoaded reports whether model is loaded.
func (r *EncoderRegistry) IsLoaded(model string) bool { return r.cache.Has(model) }

// Unload closes model if loaded.
func (r *EncoderRegistry) Unload(model string) { r.cache.Delete(model) }

// Stats returns registry and cache statistics.
func (r *EncoderRegistry) Stats() map[string]any {
	m := r.cache.Metrics()
	stats := map[string]any{
		"loaded":        r.cache.Len(),
		"hits":          m.Hits,
		"misses":        m.Misses,
		"keep_alive":    r.cfg.KeepAlive.String(),
		"max_loaded":    r.cfg.MaxLoadedModels,
		"loaded_models": r.ListLoaded(),
	}
	if r.textCache != nil {
		stats["embedding_cache"] = r.textCache.Stats()
	}
	return stats
}

// Close unloads every encoder. Later calls return ErrRegistryClosed.
func (r *EncoderRegistry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.logger.Info("Closing encoder registry")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Stop()
	r.cache.DeleteAll()
	if r.textCache != nil {
		r.textCache.Close()
	}
	return r.sessionManager.Close()
}

func variantOf(enc encoders.Encoder) string {
	switch enc.(type) {
	case *encoders.JointEncoder:
		return string(pipelines.VariantJoint)
	case *encoders.TextSequenceEncoder:
		return string(pipelines.VariantText)
	default:
		return "custom"
	}
}
