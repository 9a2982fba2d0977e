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
	"fmt"
	"path/filepath"
	"slices"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/pooling"
	"github.com/antflydb/embedkit/lib/tokenizer"
)

// DefaultMaxLength is the token ceiling used when none is configured.
const DefaultMaxLength = 256

// Config is the immutable construction-time configuration of an encoder.
// Encoders copy it; later changes to the caller's value have no effect.
type Config struct {
	// ModelPath is a local backbone directory.
	ModelPath string
	// Name identifies the encoder in logs and metrics. Defaults to the
	// directory name.
	Name string

	Device     backends.DeviceType
	Backends   []string
	NumThreads int

	MaxLength         int
	Padding           tokenizer.Padding
	// DisableTruncation passes over-length rows to the backbone unchanged.
	// The zero value truncates to MaxLength.
	DisableTruncation bool

	// Pooling applies when a backbone emits hidden states instead of a
	// single vector. Text-sequence encoders always mean pool.
	Pooling pooling.Strategy
	// Normalize L2-normalises every returned embedding.
	Normalize bool
}

// Option configures a Config.
type Option func(*Config)

// WithName sets the encoder name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithDevice sets the preferred device.
func WithDevice(device backends.DeviceType) Option {
	return func(c *Config) { c.Device = device }
}

// WithBackends restricts which backends may load the backbone.
func WithBackends(names ...string) Option {
	return func(c *Config) { c.Backends = slices.Clone(names) }
}

// WithNumThreads sets the runtime intra-op thread count.
func WithNumThreads(n int) Option {
	return func(c *Config) { c.NumThreads = n }
}

// WithMaxLength sets the truncation and padding ceiling.
func WithMaxLength(n int) Option {
	return func(c *Config) { c.MaxLength = n }
}

// WithPadding sets the padding policy.
func WithPadding(p tokenizer.Padding) Option {
	return func(c *Config) { c.Padding = p }
}

// WithTruncation enables or disables truncation to MaxLength.
func WithTruncation(on bool) Option {
	return func(c *Config) { c.DisableTruncation = !on }
}

// WithPooling sets the fallback pooling strategy for joint encoders.
func WithPooling(s pooling.Strategy) Option {
	return func(c *Config) { c.Pooling = s }
}

// WithNormalization enables L2 normalisation of outputs.
func WithNormalization(on bool) Option {
	return func(c *Config) { c.Normalize = on }
}

// NewConfig returns a Config for modelPath with defaults applied.
func NewConfig(modelPath string, opts ...Option) Config {
	cfg := Config{
		ModelPath: modelPath,
		Device:    backends.DeviceAuto,
		MaxLength: DefaultMaxLength,
		Padding:   tokenizer.PaddingLongest,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Name == "" && c.ModelPath != "" {
		c.Name = filepath.Base(filepath.Clean(c.ModelPath))
	}
	if c.Device == "" {
		c.Device = backends.DeviceAuto
	}
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.Padding == "" {
		c.Padding = tokenizer.PaddingLongest
	}
	c.Backends = slices.Clone(c.Backends)
	return c
}

// Validate reports configuration errors that would fail every call.
func (c Config) Validate() error {
	if c.MaxLength <= 0 {
		return fmt.Errorf("max length must be positive, got %d", c.MaxLength)
	}
	if _, err := tokenizer.ParsePadding(string(c.Padding)); err != nil {
		return err
	}
	if c.Pooling != "" {
		if _, err := pooling.ParseStrategy(string(c.Pooling)); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) loadOptions(onnxFile string) []backends.LoadOption {
	opts := []backends.LoadOption{
		backends.WithONNXFile(onnxFile),
		backends.WithNumThreads(c.NumThreads),
	}
	// Auto defers to the device of the selected backend spec.
	if c.Device != backends.DeviceAuto {
		opts = append(opts, backends.WithDevice(c.Device))
	}
	return opts
}

func (c Config) tokenizerOptions(tok tokenizer.Tokenizer, backboneLimit int) tokenizer.Options {
	maxLen := c.MaxLength
	if backboneLimit > 0 && backboneLimit < maxLen {
		maxLen = backboneLimit
	}
	opts := tokenizer.DefaultOptions(tok, maxLen)
	opts.Padding = c.Padding
	opts.Truncation = !c.DisableTruncation
	return opts
}
