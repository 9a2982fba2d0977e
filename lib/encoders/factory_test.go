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
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func TestNew_NoEncoder(t *testing.T) {
	sm := backends.NewSessionManager()
	defer sm.Close()

	enc, err := New(NewConfig(t.TempDir()), sm, zaptest.NewLogger(t))
	assert.Error(t, err)
	assert.Nil(t, enc)
}

func TestNew_TextSequenceWithoutTokenizer(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"encoder_model.onnx": "",
		"config.json":        `{"model_type": "t5", "d_model": 8}`,
	})
	sm := backends.NewSessionManager()
	defer sm.Close()

	enc, err := New(NewConfig(dir), sm, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "loading tokenizer")
	assert.Nil(t, enc)
}

func TestNew_JointDeclaredMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"text_model.onnx":   "",
		"visual_model.onnx": "",
		"config.json": `{
			"text_config": {"projection_dim": 512},
			"vision_config": {"projection_dim": 768}
		}`,
	})
	sm := backends.NewSessionManager()
	defer sm.Close()

	enc, err := New(NewConfig(dir), sm, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Nil(t, enc)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := NewConfig("/models/sentence-t5-base/")
	assert.Equal(t, "sentence-t5-base", cfg.Name)
	assert.Equal(t, DefaultMaxLength, cfg.MaxLength)
	assert.Equal(t, 256, cfg.MaxLength)
	assert.Equal(t, tokenizer.PaddingLongest, cfg.Padding)
	assert.False(t, cfg.DisableTruncation)
	assert.True(t, NewConfig("/m", WithTruncation(false)).DisableTruncation)
	assert.Equal(t, backends.DeviceAuto, cfg.Device)
	require.NoError(t, cfg.Validate())

	cfg = NewConfig("/m", WithMaxLength(-1))
	assert.Equal(t, DefaultMaxLength, cfg.MaxLength)

	assert.Error(t, Config{MaxLength: 0}.Validate())
	assert.Error(t, NewConfig("/m", WithPooling("median")).Validate())
}

func TestConfig_BackendsCopied(t *testing.T) {
	names := []string{"onnx", "go"}
	cfg := NewConfig("/m", WithBackends(names...))
	names[0] = "xla"
	assert.Equal(t, []string{"onnx", "go"}, cfg.Backends)
}

func TestConfig_TokenizerOptionsClampToBackbone(t *testing.T) {
	cfg := NewConfig("/m", WithMaxLength(256), WithPadding(tokenizer.PaddingMaxLength))
	opts := cfg.tokenizerOptions(wordTokenizer{}, 77)
	assert.Equal(t, 77, opts.MaxLength)
	assert.Equal(t, tokenizer.PaddingMaxLength, opts.Padding)

	opts = cfg.tokenizerOptions(wordTokenizer{}, 0)
	assert.Equal(t, 256, opts.MaxLength)
}

func TestConfig_LoadOptions(t *testing.T) {
	lc := backends.ApplyOptions(NewConfig("/m").loadOptions("text_model.onnx")...)
	assert.Equal(t, "text_model.onnx", lc.ONNXFilename)
	assert.Equal(t, backends.DeviceAuto, lc.Device)

	lc = backends.ApplyOptions(NewConfig("/m", WithDevice(backends.DeviceCPU)).loadOptions("m.onnx")...)
	assert.Equal(t, backends.DeviceCPU, lc.Device)
}
