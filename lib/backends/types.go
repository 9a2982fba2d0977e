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

// Package backends runs pretrained encoder backbones exported to ONNX.
//
// Available backends:
//   - GoMLX: always available. Executes ONNX graphs via onnx-gomlx on the
//     pure Go engine ("go") or on XLA when the PJRT plugin is present ("xla").
//   - ONNX Runtime: fastest inference, requires -tags="onnx,ORT".
//
// Backends return raw backbone outputs (per-token hidden states or pooled
// [batch, dim] vectors). Pooling and normalisation happen in the encoders.
//
// Backend selection follows a configurable priority order (default: ONNX > XLA > Go).
package backends

import "fmt"

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend
	BackendONNX BackendType = "onnx"

	// BackendXLA is the GoMLX backend with the XLA engine (PJRT plugin required)
	BackendXLA BackendType = "xla"

	// BackendGo is the GoMLX backend with the pure Go engine, always available
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	DeviceAuto DeviceType = "auto"
	DeviceCUDA DeviceType = "cuda"
	DeviceTPU  DeviceType = "tpu"
	DeviceCPU  DeviceType = "cpu"
)

// BackendSpec combines a backend type with a device preference.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns "onnx:cuda" style notation, or just the backend for auto.
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}

// GPUInfo contains information about the detected accelerator
type GPUInfo struct {
	Available   bool   `json:"available"`
	Type        string `json:"type"` // "cuda", "tpu", "none"
	DeviceName  string `json:"device_name,omitempty"`
	DriverVer   string `json:"driver_version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}

// ModelInputs contains the inputs for one forward pass.
// Exactly one input group is expected to be populated.
type ModelInputs struct {
	// Text inputs
	InputIDs      [][]int32 // [batch, seq]
	AttentionMask [][]int32 // [batch, seq]

	// Image inputs, NCHW
	ImagePixels   []float32
	ImageBatch    int
	ImageChannels int
	ImageHeight   int
	ImageWidth    int

	// Pre-computed embeddings for projection heads [batch, hidden]
	Embeddings [][]float32
}

// Modality reports which input group is populated.
func (in *ModelInputs) Modality() string {
	switch {
	case len(in.Embeddings) > 0:
		return "embeddings"
	case len(in.ImagePixels) > 0:
		return "image"
	default:
		return "text"
	}
}

// BatchSize returns the number of rows in the populated input group.
func (in *ModelInputs) BatchSize() int {
	switch in.Modality() {
	case "embeddings":
		return len(in.Embeddings)
	case "image":
		if in.ImageBatch == 0 {
			return 1
		}
		return in.ImageBatch
	default:
		return len(in.InputIDs)
	}
}

// Shape represents tensor dimensions.
type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// ModelOutput contains backbone outputs. A backbone that emits per-position
// states fills LastHiddenState; one that emits a single vector per row fills
// Embeddings.
type ModelOutput struct {
	LastHiddenState [][][]float32 // [batch, seq, hidden]
	Embeddings      [][]float32   // [batch, dim]
}

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width and Height are the model input size after resize and crop.
	Width  int
	Height int
	// Channels is the number of color channels (3 for RGB).
	Channels int
	// Mean and Std are per-channel normalisation constants.
	Mean [3]float32
	Std  [3]float32
	// RescaleFactor maps 0-255 into the range expected before normalisation.
	RescaleFactor float32
	// DoCenterCrop resizes the shortest side to CropSize then crops the center.
	DoCenterCrop bool
	CropSize     int
}

// DefaultImageConfig returns CLIP preprocessing defaults (224px, OpenAI mean/std).
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         224,
		Height:        224,
		Channels:      3,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
		RescaleFactor: 1.0 / 255.0,
		DoCenterCrop:  true,
		CropSize:      224,
	}
}
