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

package backends

import "context"

// Model is a loaded backbone.
type Model interface {
	// Forward runs one inference pass. Text backbones read InputIDs and
	// AttentionMask, vision backbones read ImagePixels, projection heads read
	// Embeddings.
	Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error)

	// Close releases resources associated with the model.
	Close() error

	// Name returns the model name for logging.
	Name() string

	// Backend returns the backend type this model uses.
	Backend() BackendType
}

// ModelLoader loads models for a specific backend.
type ModelLoader interface {
	// Load loads the ONNX graph named by WithONNXFile inside path.
	Load(path string, opts ...LoadOption) (Model, error)

	// SupportsModel returns true if this loader can handle the model at path.
	SupportsModel(path string) bool

	// Backend returns the backend type this loader uses.
	Backend() BackendType
}

// LoadConfig holds configuration for model loading.
type LoadConfig struct {
	// ONNXFilename is the graph to load, relative to the model directory.
	ONNXFilename string

	// Device is the preferred accelerator.
	Device DeviceType

	// NumThreads is the number of intra-op threads (0 = runtime default).
	NumThreads int
}

// DefaultLoadConfig returns a LoadConfig with defaults.
func DefaultLoadConfig() *LoadConfig {
	return &LoadConfig{
		ONNXFilename: "model.onnx",
		Device:       DeviceAuto,
	}
}

// LoadOption is a functional option for configuring model loading.
type LoadOption func(*LoadConfig)

// WithONNXFile sets the ONNX filename to load.
func WithONNXFile(filename string) LoadOption {
	return func(c *LoadConfig) {
		c.ONNXFilename = filename
	}
}

// WithDevice sets the preferred device.
func WithDevice(device DeviceType) LoadOption {
	return func(c *LoadConfig) {
		if device != "" {
			c.Device = device
		}
	}
}

// WithNumThreads sets the intra-op thread count.
func WithNumThreads(n int) LoadOption {
	return func(c *LoadConfig) {
		c.NumThreads = n
	}
}

// ApplyOptions applies options over DefaultLoadConfig.
func ApplyOptions(opts ...LoadOption) *LoadConfig {
	config := DefaultLoadConfig()
	for _, opt := range opts {
		opt(config)
	}
	return config
}
