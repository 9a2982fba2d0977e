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

package pipelines

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	"github.com/antflydb/embedkit/lib/backends"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ImageBatch is a batched image tensor in NCHW layout.
type ImageBatch struct {
	Pixels []float32
	N      int
	C      int
	H      int
	W      int
}

// Validate checks that Pixels holds exactly N*C*H*W values.
func (b ImageBatch) Validate() error {
	if b.N == 0 && len(b.Pixels) == 0 {
		return nil
	}
	if b.N < 0 || b.C <= 0 || b.H <= 0 || b.W <= 0 {
		return fmt.Errorf("invalid image batch shape [%d %d %d %d]", b.N, b.C, b.H, b.W)
	}
	if want := b.N * b.C * b.H * b.W; len(b.Pixels) != want {
		return fmt.Errorf("image batch has %d values, shape [%d %d %d %d] needs %d",
			len(b.Pixels), b.N, b.C, b.H, b.W, want)
	}
	return nil
}

// ModelInputs converts the batch into backbone inputs.
func (b ImageBatch) ModelInputs() *backends.ModelInputs {
	return &backends.ModelInputs{
		ImagePixels:   b.Pixels,
		ImageBatch:    b.N,
		ImageChannels: b.C,
		ImageHeight:   b.H,
		ImageWidth:    b.W,
	}
}

// ImageProcessor turns decoded images into normalised NCHW tensors.
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor. A nil config selects CLIP defaults.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// DecodeImage decodes any registered image format.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Process returns one image as [C, H, W] values.
//
// With DoCenterCrop the shortest side is resized to CropSize and the center
// is cropped to Width x Height; otherwise the image is resized directly.
func (p *ImageProcessor) Process(img image.Image) []float32 {
	cfg := p.Config
	if cfg.DoCenterCrop && cfg.CropSize > 0 {
		img = resizeShortestSide(img, cfg.CropSize)
		img = centerCrop(img, cfg.Width, cfg.Height)
	} else {
		img = resize(img, cfg.Width, cfg.Height)
	}
	return p.toTensor(img)
}

// ProcessBatch stacks images into one ImageBatch.
func (p *ImageProcessor) ProcessBatch(images []image.Image) ImageBatch {
	c, h, w := p.Config.Channels, p.Config.Height, p.Config.Width
	batch := ImageBatch{
		Pixels: make([]float32, len(images)*c*h*w),
		N:      len(images),
		C:      c,
		H:      h,
		W:      w,
	}
	for i, img := range images {
		copy(batch.Pixels[i*c*h*w:], p.Process(img))
	}
	return batch
}

// ProcessBytes decodes and stacks encoded images.
func (p *ImageProcessor) ProcessBytes(data [][]byte) (ImageBatch, error) {
	images := make([]image.Image, len(data))
	for i, d := range data {
		img, err := DecodeImage(d)
		if err != nil {
			return ImageBatch{}, fmt.Errorf("image %d: %w", i, err)
		}
		images[i] = img
	}
	return p.ProcessBatch(images), nil
}

func (p *ImageProcessor) toTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	cfg := p.Config
	pixels := make([]float32, cfg.Channels*plane)

	for y := range height {
		for x := range width {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [3]float32{float32(r >> 8), float32(g >> 8), float32(b >> 8)}
			for c := 0; c < cfg.Channels && c < 3; c++ {
				v := rgb[c] * cfg.RescaleFactor
				pixels[c*plane+y*width+x] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}
	return pixels
}

func resizeShortestSide(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}
	if w <= h {
		return resize(img, size, max(1, h*size/w))
	}
	return resize(img, max(1, w*size/h), size)
}

func resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func centerCrop(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	x0 := b.Min.X + max(0, (b.Dx()-width)/2)
	y0 := b.Min.Y + max(0, (b.Dy()-height)/2)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst
}
