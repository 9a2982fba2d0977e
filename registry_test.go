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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/encoders"
	"github.com/antflydb/embedkit/lib/pipelines"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// wordTokenizer maps each word to 10+len(word). Pad is 0 and EOS is 1.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, w := range strings.Fields(text) {
		ids = append(ids, 10+len(w))
	}
	return ids
}

func (wordTokenizer) Decode(ids []int) string { return fmt.Sprint(ids) }

func (wordTokenizer) SpecialTokenID(tok api.SpecialToken) (int, error) {
	switch tok {
	case api.TokPad:
		return 0, nil
	case api.TokEndOfSentence:
		return 1, nil
	default:
		return -1, fmt.Errorf("no %s token", tok)
	}
}

// echoModel emits [id, 1] for every position.
type echoModel struct {
	closed atomic.Int32
}

func (m *echoModel) Forward(_ context.Context, in *backends.ModelInputs) (*backends.ModelOutput, error) {
	hidden := make([][][]float32, len(in.InputIDs))
	for b, row := range in.InputIDs {
		hidden[b] = make([][]float32, len(row))
		for s, id := range row {
			hidden[b][s] = []float32{float32(id), 1}
		}
	}
	return &backends.ModelOutput{LastHiddenState: hidden}, nil
}

func (m *echoModel) Close() error                  { m.closed.Add(1); return nil }
func (m *echoModel) Name() string                  { return "echo" }
func (m *echoModel) Backend() backends.BackendType { return backends.BackendGo }

// countingEncoder is a LangEncoder returning [len(text), call] per text.
type countingEncoder struct {
	name   string
	calls  atomic.Int32
	closed atomic.Int32
	err    error
}

func (e *countingEncoder) Name() string                  { return e.name }
func (e *countingEncoder) Backend() backends.BackendType { return backends.BackendGo }
func (e *countingEncoder) LDim() int                     { return 2 }
func (e *countingEncoder) Close() error                  { e.closed.Add(1); return nil }

func (e *countingEncoder) EncodeLang(_ context.Context, texts []string) ([][]float32, error) {
	n := e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(n)}
	}
	return out, nil
}

// newModelsDir creates empty model directories under a temp root.
func newModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0o755))
	}
	return root
}

type recordingFactory struct {
	mu      sync.Mutex
	loads   []encoders.Config
	echoes  []*echoModel
	counter []*countingEncoder
	err     error
}

// build returns a TextSequenceEncoder for paths containing "t5" and a
// countingEncoder otherwise.
func (f *recordingFactory) build(cfg encoders.Config, _ *backends.SessionManager, logger *zap.Logger) (encoders.Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, cfg)
	if f.err != nil {
		return nil, f.err
	}
	if strings.Contains(cfg.ModelPath, "t5") {
		m := &echoModel{}
		f.echoes = append(f.echoes, m)
		return encoders.NewTextSequenceEncoderFromParts(cfg, m, wordTokenizer{}, logger)
	}
	enc := &countingEncoder{name: cfg.Name}
	f.counter = append(f.counter, enc)
	return enc, nil
}

func newTestRegistry(t *testing.T, cfg Config, f *recordingFactory) *EncoderRegistry {
	t.Helper()
	r, err := NewEncoderRegistry(cfg, zaptest.NewLogger(t), WithEncoderFactory(f.build))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestEncoderRegistry_LoadsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "openai/clip")
	f := &recordingFactory{}
	r := newTestRegistry(t, cfg, f)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Get(ctx, "openai/clip")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, f.loads, 1)
	assert.Equal(t, "openai/clip", f.loads[0].Name)
	assert.Equal(t, filepath.Join(cfg.ModelsDir, "openai", "clip"), f.loads[0].ModelPath)
	assert.Equal(t, encoders.DefaultMaxLength, f.loads[0].MaxLength)
	assert.True(t, r.IsLoaded("openai/clip"))
	assert.Equal(t, []string{"openai/clip"}, r.ListLoaded())
}

func TestEncoderRegistry_NotFound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t)
	f := &recordingFactory{}
	r := newTestRegistry(t, cfg, f)

	_, err := r.Get(context.Background(), "google-t5/t5-base")
	assert.Error(t, err)
	assert.Empty(t, f.loads)
}

func TestEncoderRegistry_LoadError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "a/b")
	f := &recordingFactory{err: errors.New("bad graph")}
	r := newTestRegistry(t, cfg, f)

	_, err := r.Get(context.Background(), "a/b")
	assert.ErrorContains(t, err, "loading encoder a/b: bad graph")
	assert.False(t, r.IsLoaded("a/b"))
}

func TestEncoderRegistry_EmbedText(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "google-t5/t5-base")
	r := newTestRegistry(t, cfg, &recordingFactory{})
	ctx := context.Background()

	out, err := r.EmbedText(ctx, "google-t5/t5-base", []string{"ab cde", "abcd"}, true)
	require.NoError(t, err)
	// Row 0 is [12, 13, 1], row 1 is [14, 1, pad].
	assert.Equal(t, [][]float32{{26.0 / 3, 1}, {7.5, 1}}, out.AvgPooling)
	assert.Nil(t, out.HiddenStates)

	vecs, err := r.EncodeLang(ctx, "google-t5/t5-base", []string{"abcd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{7.5, 1}}, vecs)

	_, err = r.EncodeImage(ctx, "google-t5/t5-base", pipelines.ImageBatch{})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = r.EncodeImageBytes(ctx, "google-t5/t5-base", nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestEncoderRegistry_EmbedTextNeedsSequenceEncoder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "openai/clip")
	r := newTestRegistry(t, cfg, &recordingFactory{})

	_, err := r.EmbedText(context.Background(), "openai/clip", []string{"x"}, true)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestEncoderRegistry_CapacityEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "a/one", "a/two")
	cfg.MaxLoadedModels = 1
	f := &recordingFactory{}
	r := newTestRegistry(t, cfg, f)
	ctx := context.Background()

	_, err := r.Get(ctx, "a/one")
	require.NoError(t, err)
	_, err = r.Get(ctx, "a/two")
	require.NoError(t, err)

	require.Len(t, f.counter, 2)
	assert.Eventually(t, func() bool { return f.counter[0].closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.IsLoaded("a/one"))
	assert.True(t, r.IsLoaded("a/two"))
}

func TestEncoderRegistry_KeepAliveExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "a/one")
	cfg.KeepAlive = 50 * time.Millisecond
	f := &recordingFactory{}
	r := newTestRegistry(t, cfg, f)

	_, err := r.Get(context.Background(), "a/one")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.counter[0].closed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEncoderRegistry_UnloadAndClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "a/one", "google-t5/t5-small")
	f := &recordingFactory{}
	r, err := NewEncoderRegistry(cfg, zaptest.NewLogger(t), WithEncoderFactory(f.build))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Get(ctx, "a/one")
	require.NoError(t, err)
	r.Unload("a/one")
	assert.Eventually(t, func() bool { return f.counter[0].closed.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Preload(ctx, []string{"a/one", "google-t5/t5-small"}))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Eventually(t, func() bool {
		return f.counter[1].closed.Load() == 1 && f.echoes[0].closed.Load() == 1
	}, time.Second, 5*time.Millisecond)
	_, err = r.Get(ctx, "a/one")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestEncoderRegistry_PreloadAllFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t)
	r := newTestRegistry(t, cfg, &recordingFactory{})

	assert.Error(t, r.Preload(context.Background(), []string{"x/y", "x/z"}))
	assert.NoError(t, r.Preload(context.Background(), nil))
}

func TestEncoderRegistry_EmbeddingCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = newModelsDir(t, "a/one")
	cfg.CacheTTL = time.Minute
	f := &recordingFactory{}
	r := newTestRegistry(t, cfg, f)
	ctx := context.Background()

	first, err := r.EncodeLang(ctx, "a/one", []string{"hello"})
	require.NoError(t, err)
	second, err := r.EncodeLang(ctx, "a/one", []string{"hello"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.counter[0].calls.Load())

	stats := r.Stats()
	assert.Equal(t, 1, stats["loaded"])
	cs, ok := stats["embedding_cache"].(CacheStats)
	require.True(t, ok)
	assert.Equal(t, uint64(1), cs.Hits)
}

func TestNewEncoderRegistry_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device = "abacus"
	_, err := NewEncoderRegistry(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.BackendPriority = []string{"onnx:cuda", "punchcard"}
	_, err = NewEncoderRegistry(cfg, nil)
	assert.Error(t, err)
}
