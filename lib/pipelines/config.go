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

// Package pipelines inspects backbone directories and prepares raw inputs
// (images) for the encoders.
package pipelines

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/bytedance/sonic"
)

// Variant is the encoder family a backbone directory supports.
type Variant string

const (
	// VariantJoint has a visual and a text tower sharing one space.
	VariantJoint Variant = "joint"
	// VariantText has a single text tower producing per-token hidden states.
	VariantText Variant = "text"
)

// ModelConfig describes the encoder files and dimensions found in a
// backbone directory.
type ModelConfig struct {
	ModelPath string

	// ONNX graphs, as absolute paths. Empty when absent.
	TextEncoderFile      string
	VisualEncoderFile    string
	TextProjectionFile   string
	VisualProjectionFile string

	// Declared output widths. Zero when config.json does not say.
	TextDim   int
	VisualDim int

	// TextMaxLength is the backbone's positional limit, zero when unknown.
	TextMaxLength int

	ImageConfig *backends.ImageConfig

	// ModelType is the architecture name from config.json or inferred.
	ModelType string
}

// Variant reports which encoder family the directory supports.
func (c *ModelConfig) Variant() Variant {
	if c.VisualEncoderFile != "" && c.TextEncoderFile != "" {
		return VariantJoint
	}
	return VariantText
}

var textEncoderCandidates = []string{
	"text_model.onnx",
	"text_model_quantized.onnx",
	"encoder_model.onnx",
	"encoder.onnx",
	"model.onnx",
}

var visualEncoderCandidates = []string{
	"visual_model.onnx",
	"visual_model_quantized.onnx",
	"vision_model.onnx",
	"vision_model_quantized.onnx",
	"image_model.onnx",
}

// LoadModelConfig inspects modelPath. It fails when no text or visual
// encoder graph exists.
func LoadModelConfig(modelPath string) (*ModelConfig, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("model path %s: %w", modelPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model path %s is not a directory", modelPath)
	}

	config := &ModelConfig{
		ModelPath:            modelPath,
		TextEncoderFile:      FindONNXFile(modelPath, textEncoderCandidates),
		VisualEncoderFile:    FindONNXFile(modelPath, visualEncoderCandidates),
		TextProjectionFile:   FindONNXFile(modelPath, []string{"text_projection.onnx"}),
		VisualProjectionFile: FindONNXFile(modelPath, []string{"visual_projection.onnx"}),
	}
	if config.TextEncoderFile == "" && config.VisualEncoderFile == "" {
		return nil, fmt.Errorf("no encoder ONNX file found in %s", modelPath)
	}

	raw, err := loadRawConfig(modelPath)
	if err != nil {
		// Config is optional; dimensions are then discovered at load time.
		raw = &rawConfig{}
	}

	config.ModelType = raw.ModelType
	if config.ModelType == "" {
		config.ModelType = detectModelType(modelPath, config)
	}

	config.TextDim = FirstNonZero(
		raw.TextConfig.ProjectionDim,
		raw.ProjectionDim,
		raw.EmbedDim,
	)
	config.VisualDim = FirstNonZero(
		raw.VisionConfig.ProjectionDim,
		raw.ProjectionDim,
		raw.EmbedDim,
	)
	if config.Variant() == VariantText {
		config.TextDim = FirstNonZero(config.TextDim, raw.DModel, raw.HiddenSize)
		config.VisualDim = 0
	}
	config.TextMaxLength = FirstNonZero(
		raw.TextConfig.MaxPositionEmbeddings,
		raw.MaxPositionEmbeddings,
		raw.NPositions,
	)

	if config.VisualEncoderFile != "" {
		config.ImageConfig = buildImageConfig(raw)
	}
	return config, nil
}

// rawConfig is the subset of config.json this package reads.
type rawConfig struct {
	ModelType             string `json:"model_type"`
	HiddenSize            int    `json:"hidden_size"`
	DModel                int    `json:"d_model"`
	ProjectionDim         int    `json:"projection_dim"`
	EmbedDim              int    `json:"embed_dim"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
	NPositions            int    `json:"n_positions"`

	VisionConfig struct {
		ImageSize     int `json:"image_size"`
		ProjectionDim int `json:"projection_dim"`
	} `json:"vision_config"`

	TextConfig struct {
		ProjectionDim         int `json:"projection_dim"`
		MaxPositionEmbeddings int `json:"max_position_embeddings"`
	} `json:"text_config"`

	ImageSize int       `json:"image_size"`
	ImageMean []float32 `json:"image_mean"`
	ImageStd  []float32 `json:"image_std"`
}

func loadRawConfig(modelPath string) (*rawConfig, error) {
	for _, name := range []string{"clip_config.json", "config.json"} {
		data, err := os.ReadFile(filepath.Join(modelPath, name))
		if err != nil {
			continue
		}
		var config rawConfig
		if err := sonic.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		// preprocessor_config.json carries the image statistics for CLIP exports.
		if pre, err := os.ReadFile(filepath.Join(modelPath, "preprocessor_config.json")); err == nil {
			var p struct {
				ImageMean []float32 `json:"image_mean"`
				ImageStd  []float32 `json:"image_std"`
				CropSize  any       `json:"crop_size"`
			}
			if sonic.Unmarshal(pre, &p) == nil {
				if len(config.ImageMean) == 0 {
					config.ImageMean = p.ImageMean
				}
				if len(config.ImageStd) == 0 {
					config.ImageStd = p.ImageStd
				}
				if config.ImageSize == 0 {
					config.ImageSize = cropSize(p.CropSize)
				}
			}
		}
		return &config, nil
	}
	return nil, fmt.Errorf("no config.json found in %s", modelPath)
}

// cropSize accepts both 224 and {"height": 224, "width": 224}.
func cropSize(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case map[string]any:
		if h, ok := val["height"].(float64); ok {
			return int(h)
		}
	}
	return 0
}

func detectModelType(modelPath string, config *ModelConfig) string {
	lower := strings.ToLower(filepath.Base(modelPath))
	switch {
	case strings.Contains(lower, "decisionnce"):
		return "decisionnce"
	case config.Variant() == VariantJoint && strings.Contains(lower, "siglip"):
		return "siglip"
	case config.Variant() == VariantJoint:
		return "clip"
	case strings.Contains(lower, "t5"):
		return "t5"
	default:
		return "text_encoder"
	}
}

func buildImageConfig(raw *rawConfig) *backends.ImageConfig {
	config := backends.DefaultImageConfig()
	size := FirstNonZero(raw.VisionConfig.ImageSize, raw.ImageSize, config.Width)
	config.Width, config.Height, config.CropSize = size, size, size
	if len(raw.ImageMean) == 3 {
		copy(config.Mean[:], raw.ImageMean)
	}
	if len(raw.ImageStd) == 3 {
		copy(config.Std[:], raw.ImageStd)
	}
	return config
}
