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

// Package encoders exposes pretrained backbones behind one embedding
// interface.
//
// Two variants exist:
//   - JointEncoder: separate visual and text towers projecting into a shared
//     space (CLIP, DecisionNCE). EncodeImage and EncodeLang return vectors of
//     the same width.
//   - TextSequenceEncoder: a text-only sequence backbone (T5 encoder). Hidden
//     states are masked and mean pooled.
//
// Encoders are inference-only and intended for a single caller; concurrent
// calls on one encoder are serialised.
package encoders

import (
	"context"
	"errors"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/pipelines"
)

var (
	// ErrDimensionMismatch is returned when the visual and text towers of a
	// joint encoder disagree on output width, or an output does not have the
	// declared width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = backends.ErrClosed
)

// Encoder is the capability shared by every encoder variant.
type Encoder interface {
	Name() string
	Backend() backends.BackendType
	Close() error
}

// LangEncoder produces one fixed-size vector per text.
type LangEncoder interface {
	Encoder
	EncodeLang(ctx context.Context, texts []string) ([][]float32, error)
	// LDim is the width of EncodeLang outputs, 0 until known.
	LDim() int
}

// ImageEncoder produces one fixed-size vector per image.
type ImageEncoder interface {
	Encoder
	EncodeImage(ctx context.Context, images pipelines.ImageBatch) ([][]float32, error)
	// VDim is the width of EncodeImage outputs.
	VDim() int
}

// JointCapable encoders embed images and text into the same space.
type JointCapable interface {
	LangEncoder
	ImageEncoder
}

var (
	_ JointCapable = (*JointEncoder)(nil)
	_ LangEncoder  = (*TextSequenceEncoder)(nil)
)
