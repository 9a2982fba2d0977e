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
	"fmt"
	"time"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/encoders"
	"github.com/antflydb/embedkit/lib/pooling"
	"github.com/antflydb/embedkit/lib/tokenizer"
)

// Config configures an EncoderRegistry. Field tags match the viper keys
// used by the CLI.
type Config struct {
	// ModelsDir is where identifiers are resolved and pulled to.
	ModelsDir string `mapstructure:"models_dir"`
	// Pull enables downloading missing owner/name models from the Hub.
	Pull    bool   `mapstructure:"pull"`
	HFToken string `mapstructure:"hf_token"`

	// Device is auto, cpu, cuda or tpu.
	Device string `mapstructure:"device"`
	// BackendPriority orders backends with optional devices, e.g.
	// ["onnx:cuda", "go"].
	BackendPriority []string `mapstructure:"backend_priority"`
	NumThreads      int      `mapstructure:"num_threads"`

	MaxLength         int    `mapstructure:"max_length"`
	Padding           string `mapstructure:"padding"`
	// DisableTruncation feeds over-length texts to the model unchanged.
	DisableTruncation bool   `mapstructure:"disable_truncation"`
	Pooling           string `mapstructure:"pooling"`
	Normalize         bool   `mapstructure:"normalize"`

	// KeepAlive unloads encoders idle for this long. Zero keeps them.
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
	MaxLoadedModels uint64        `mapstructure:"max_loaded_models"`

	// CacheTTL enables the text embedding cache when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Device:    string(backends.DeviceAuto),
		MaxLength: encoders.DefaultMaxLength,
		Padding:   string(tokenizer.PaddingLongest),
	}
}

// Validate parses every enumerated option.
func (c Config) Validate() error {
	if _, err := backends.ParseDeviceType(c.Device); err != nil {
		return err
	}
	if _, err := backends.ParseBackendPriority(c.BackendPriority); err != nil {
		return err
	}
	if c.MaxLength < 0 {
		return fmt.Errorf("max_length must not be negative, got %d", c.MaxLength)
	}
	if _, err := tokenizer.ParsePadding(c.Padding); err != nil {
		return err
	}
	if _, err := pooling.ParseStrategy(c.Pooling); err != nil {
		return err
	}
	return nil
}

// encoderConfig builds the construction config for the model at path.
func (c Config) encoderConfig(name, path string) (encoders.Config, error) {
	device, err := backends.ParseDeviceType(c.Device)
	if err != nil {
		return encoders.Config{}, err
	}
	padding, err := tokenizer.ParsePadding(c.Padding)
	if err != nil {
		return encoders.Config{}, err
	}
	opts := []encoders.Option{
		encoders.WithName(name),
		encoders.WithDevice(device),
		encoders.WithNumThreads(c.NumThreads),
		encoders.WithMaxLength(c.MaxLength),
		encoders.WithPadding(padding),
		encoders.WithTruncation(!c.DisableTruncation),
		encoders.WithNormalization(c.Normalize),
	}
	if c.Pooling != "" {
		strategy, err := pooling.ParseStrategy(c.Pooling)
		if err != nil {
			return encoders.Config{}, err
		}
		opts = append(opts, encoders.WithPooling(strategy))
	}
	return encoders.NewConfig(path, opts...), nil
}
