// Package imaging decodes submitted images and produces small, deterministic
// pixel grids for the statistical detectors.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrEmpty is returned when no image bytes were supplied.
var ErrEmpty = errors.New("image data is empty")

// Decode decodes any registered image format.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Dimensions reads width and height from the image header without decoding pixels.
func Dimensions(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrEmpty
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Resize scales src to exactly w x h using bilinear interpolation. The result
// depends only on the source pixels, so identical images resize identically.
func Resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Luma weights from ITU-R BT.601.
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// Luminance returns the row-major 0-255 luma plane of img.
func Luminance(img *image.RGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			out = append(out, lumaR*float64(c.R)+lumaG*float64(c.G)+lumaB*float64(c.B))
		}
	}
	return out
}

// Channels splits img into normalized (0-1) R, G and B planes.
func Channels(img *image.RGBA) (r, g, b []float64) {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	r = make([]float64, 0, n)
	g = make([]float64, 0, n)
	b = make([]float64, 0, n)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.RGBAAt(x, y)
			r = append(r, float64(c.R)/255)
			g = append(g, float64(c.G)/255)
			b = append(b, float64(c.B)/255)
		}
	}
	return r, g, b
}
