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

package modelregistry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRepo serves files from a local directory.
type fakeRepo struct {
	dir       string
	files     []string
	downloads atomic.Int32
}

func (r *fakeRepo) FileNames() ([]string, error) { return r.files, nil }

func (r *fakeRepo) DownloadFile(name string) (string, error) {
	r.downloads.Add(1)
	return filepath.Join(r.dir, name), nil
}

func newFakeRepo(t *testing.T, files ...string) *fakeRepo {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		path := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(f), 0o600))
	}
	return &fakeRepo{dir: dir, files: files}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		in      string
		want    ModelRef
		wantErr bool
	}{
		{in: "google-t5/t5-base", want: ModelRef{Owner: "google-t5", Name: "t5-base"}},
		{in: "hf:openai/clip-vit-base-patch32:quantized", want: ModelRef{Owner: "openai", Name: "clip-vit-base-patch32", Variant: "quantized", IsHuggingFace: true}},
		{in: "t5-small", want: ModelRef{Name: "t5-small"}},
		{in: "", wantErr: true},
		{in: "a/b:bogus", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelRef(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	ref, err := ParseModelRef("hf:openai/clip:fp16")
	require.NoError(t, err)
	assert.Equal(t, "hf:openai/clip:fp16", ref.String())
	assert.Equal(t, filepath.Join("openai", "clip"), ref.DirPath())
}

func TestSelectEncoderFiles(t *testing.T) {
	files := []string{
		"README.md",
		"config.json",
		"tokenizer.json",
		"onnx/encoder_model.onnx",
		"onnx/encoder_model_quantized.onnx",
		"onnx/decoder_model.onnx",
		"onnx/text_model.onnx",
		"onnx/model.onnx_data",
		"onnx/model.onnx",
	}

	got := selectEncoderFiles(files, "")
	sort.Strings(got)
	assert.Equal(t, []string{
		"config.json",
		"onnx/encoder_model.onnx",
		"onnx/model.onnx",
		"onnx/model.onnx_data",
		"onnx/text_model.onnx",
		"tokenizer.json",
	}, got)

	got = selectEncoderFiles(files, "quantized")
	sort.Strings(got)
	assert.Equal(t, []string{"config.json", "onnx/encoder_model_quantized.onnx", "tokenizer.json"}, got)
}

func TestLocalName(t *testing.T) {
	assert.Equal(t, "encoder_model.onnx", localName("onnx/encoder_model.onnx", ""))
	assert.Equal(t, "encoder_model.onnx", localName("onnx/encoder_model_quantized.onnx", "quantized"))
	assert.Equal(t, "model_fp16.onnx_data", localName("onnx/model_fp16.onnx_data", "fp16"))
}

func TestHuggingFaceClient_Pull(t *testing.T) {
	repo := newFakeRepo(t, "config.json", "spiece.model", "onnx/encoder_model.onnx", "onnx/decoder_model.onnx")
	var opened string
	var progress []string
	client := NewHuggingFaceClient(
		WithHFToken("secret"),
		WithHFLogger(zaptest.NewLogger(t)),
		WithHFProgressHandler(func(done, total int64, name string) {
			if done > 0 && done == total {
				progress = append(progress, name)
			}
		}),
		WithRepoOpener(func(repoID, token string) Repo {
			opened = repoID + "@" + token
			return repo
		}),
	)

	dest := t.TempDir()
	dir, err := client.Pull(context.Background(), ModelRef{Owner: "google-t5", Name: "t5-base"}, dest)
	require.NoError(t, err)

	assert.Equal(t, "google-t5/t5-base@secret", opened)
	assert.Equal(t, filepath.Join(dest, "google-t5", "t5-base"), dir)
	assert.FileExists(t, filepath.Join(dir, "encoder_model.onnx"))
	assert.FileExists(t, filepath.Join(dir, "spiece.model"))
	assert.NoFileExists(t, filepath.Join(dir, "decoder_model.onnx"))
	assert.Equal(t, int32(3), repo.downloads.Load())
	assert.ElementsMatch(t, []string{"config.json", "spiece.model", "encoder_model.onnx"}, progress)
}

func TestHuggingFaceClient_PullErrors(t *testing.T) {
	repo := newFakeRepo(t, "config.json", "onnx/decoder_model.onnx")
	client := NewHuggingFaceClient(WithRepoOpener(func(string, string) Repo { return repo }))

	_, err := client.Pull(context.Background(), ModelRef{Owner: "a", Name: "b"}, t.TempDir())
	assert.ErrorContains(t, err, "no encoder ONNX files")

	_, err = client.Pull(context.Background(), ModelRef{Name: "b"}, t.TempDir())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	good := newFakeRepo(t, "onnx/model.onnx")
	client = NewHuggingFaceClient(WithRepoOpener(func(string, string) Repo { return good }))
	_, err = client.Pull(ctx, ModelRef{Owner: "a", Name: "b"}, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver(t *testing.T) {
	modelsDir := t.TempDir()
	local := filepath.Join(modelsDir, "openai", "clip")
	require.NoError(t, os.MkdirAll(local, 0o755))

	repo := newFakeRepo(t, "onnx/encoder_model.onnx", "tokenizer.json")
	client := NewHuggingFaceClient(WithRepoOpener(func(string, string) Repo { return repo }))
	ctx := context.Background()

	r := NewResolver(modelsDir, false, client, zaptest.NewLogger(t))

	got, err := r.Resolve(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, local, got)

	got, err = r.Resolve(ctx, "openai/clip")
	require.NoError(t, err)
	assert.Equal(t, local, got)

	_, err = r.Resolve(ctx, "google-t5/t5-base")
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Zero(t, repo.downloads.Load())

	r = NewResolver(modelsDir, true, client, zaptest.NewLogger(t))
	got, err = r.Resolve(ctx, "hf:google-t5/t5-base")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modelsDir, "google-t5", "t5-base"), got)

	// Second resolution is served locally.
	before := repo.downloads.Load()
	_, err = r.Resolve(ctx, "google-t5/t5-base")
	require.NoError(t, err)
	assert.Equal(t, before, repo.downloads.Load())

	_, err = r.Resolve(ctx, "t5-small")
	assert.ErrorIs(t, err, ErrModelNotFound)
}
