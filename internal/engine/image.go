package engine

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// Registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"caption-server/internal/domain"
)

// ImagePreprocessor decodes an upload, resizes it to a square and
// normalizes every channel as (v/255 - mean) / std.
type ImagePreprocessor struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// NewImagePreprocessor returns the normalization the captioning encoder
// was trained with.
func NewImagePreprocessor(size int) *ImagePreprocessor {
	return &ImagePreprocessor{
		Size: size,
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.5, 0.5, 0.5},
	}
}

// Normalize implements domain.Preprocessor.
func (p *ImagePreprocessor) Normalize(raw []byte) (*domain.Image, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty image")
	}
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.Size, p.Size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	n := p.Size * p.Size
	img := &domain.Image{
		Channels: 3,
		Height:   p.Size,
		Width:    p.Size,
		Pixels:   make([]float32, 3*n),
	}
	for i := 0; i < n; i++ {
		px := dst.Pix[i*4 : i*4+3]
		for c := 0; c < 3; c++ {
			v := float32(px[c]) / 255
			img.Pixels[c*n+i] = (v - p.Mean[c]) / p.Std[c]
		}
	}
	return img, nil
}
