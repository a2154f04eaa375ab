// Package imageinput converts images into the input tensor of the MNIST model.
package imageinput

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	// Register decoders for the supported formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

const (
	// Height is the height of a model input.
	Height = 28
	// Width is the width of a model input.
	Width = 28
	// Channels is the number of channels of a model input.
	Channels = 1
	// Size is the number of values of a model input.
	Size = Height * Width * Channels

	// MaxPixels bounds the width times height of a decoded image.
	MaxPixels = 4096 * 4096
)

// Normalize maps a pixel intensity in [0, 255] to [0, 1].
func Normalize(v uint8) float32 {
	return float32(v) / 255
}

// FromImageBytes decodes an encoded PNG, JPEG or GIF image and converts it into
// a model input.
func FromImageBytes(b []byte) ([]float32, error) {
	// The decoders allocate the whole image from the header dimensions, so
	// check them before decoding.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image: %s", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxPixels/cfg.Height {
		return nil, fmt.Errorf("image size %dx%d out of range", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image: %s", err)
	}
	return FromImage(img), nil
}

// FromImage resizes img to 28x28 with nearest-neighbour sampling, converts it
// to grayscale and normalizes the intensities.
func FromImage(img image.Image) []float32 {
	resized := resize.Resize(Width, Height, img, resize.NearestNeighbor)

	b := resized.Bounds()
	out := make([]float32, 0, Size)
	for y := b.Min.Y; y < b.Min.Y+Height; y++ {
		for x := b.Min.X; x < b.Min.X+Width; x++ {
			// Alpha is ignored.
			c := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			out = append(out, Normalize(luma(c.R, c.G, c.B)))
		}
	}
	return out
}

// luma returns the Rec. 709 luma of an RGB pixel.
func luma(r, g, b uint8) uint8 {
	return uint8((2126*uint32(r) + 7152*uint32(g) + 722*uint32(b)) / 10000)
}
