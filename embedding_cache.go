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
	"slices"
	"strconv"
	"time"

	"github.com/antflydb/embedkit/lib/encoders"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultEmbeddingCacheTTL is the default lifetime of cached embeddings.
const DefaultEmbeddingCacheTTL = 2 * time.Minute

// EmbeddingCache holds text embeddings keyed by model and input. Pooled text
// embeddings are deterministic, so a hit is indistinguishable from a fresh
// forward pass.
type EmbeddingCache struct {
	cache  *ttlcache.Cache[string, [][]float32]
	group  singleflight.Group
	logger *zap.Logger
}

// NewEmbeddingCache starts a cache whose entries expire after ttl.
func NewEmbeddingCache(ttl time.Duration, logger *zap.Logger) *EmbeddingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultEmbeddingCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, [][]float32](ttl),
	)
	go cache.Start()
	return &EmbeddingCache{cache: cache, logger: logger}
}

// Wrap returns enc with cached EncodeLang calls.
func (ec *EmbeddingCache) Wrap(enc encoders.LangEncoder, model string) *CachedLangEncoder {
	return &CachedLangEncoder{LangEncoder: enc, model: model, ec: ec}
}

// Close stops the expiry loop.
func (ec *EmbeddingCache) Close() {
	ec.cache.Stop()
}

// CacheStats summarises cache activity.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Items  int    `json:"items"`
}

// Stats returns cache statistics.
func (ec *EmbeddingCache) Stats() CacheStats {
	m := ec.cache.Metrics()
	return CacheStats{Hits: m.Hits, Misses: m.Misses, Items: ec.cache.Len()}
}

// CachedLangEncoder serves repeated EncodeLang calls from an EmbeddingCache.
// Concurrent identical requests share one forward pass.
type CachedLangEncoder struct {
	encoders.LangEncoder
	model string
	ec    *EmbeddingCache
}

// EncodeLang returns cached embeddings for texts, computing them on a miss.
// Callers receive their own copy.
func (c *CachedLangEncoder) EncodeLang(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	key := c.cacheKey(texts)

	if item := c.ec.cache.Get(key); item != nil {
		RecordCacheHit("embedding")
		c.ec.logger.Debug("Embedding cache hit",
			zap.String("model", c.model),
			zap.Int("num_embeddings", len(item.Value())))
		return cloneRows(item.Value()), nil
	}

	result, err, shared := c.ec.group.Do(key, func() (any, error) {
		RecordCacheMiss("embedding")
		start := time.Now()
		embeds, err := c.LangEncoder.EncodeLang(ctx, texts)
		if err != nil {
			return nil, err
		}
		c.ec.cache.Set(key, embeds, ttlcache.DefaultTTL)
		c.ec.logger.Debug("Embedding generated and cached",
			zap.String("model", c.model),
			zap.Int("num_embeddings", len(embeds)),
			zap.Duration("duration", time.Since(start)))
		return embeds, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.ec.logger.Debug("Singleflight hit for embedding request", zap.String("model", c.model))
	}
	return cloneRows(result.([][]float32)), nil
}

// cacheKey hashes the model name and length-prefixed texts.
func (c *CachedLangEncoder) cacheKey(texts []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	var buf []byte
	for _, t := range texts {
		buf = strconv.AppendInt(buf[:0], int64(len(t)), 10)
		buf = append(buf, ':')
		_, _ = h.Write(buf)
		_, _ = h.WriteString(t)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func cloneRows(rows [][]float32) [][]float32 {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}
