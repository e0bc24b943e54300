// Package fingerprint computes perceptual image fingerprints and finds
// submissions that reuse an already seen image.
package fingerprint

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strconv"

	"github.com/fixbounty/fraudguard/internal/imaging"
	"github.com/fixbounty/fraudguard/internal/models"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// ErrUndecodable is returned when the image bytes cannot be decoded, so no
// fingerprint exists to compare.
var ErrUndecodable = errors.New("fingerprint: image could not be decoded")

const (
	sampleSize = 32 // luma grid fed to the DCT
	hashSize   = 8  // low-frequency block kept from the DCT
	// Bits is the fingerprint width.
	Bits = hashSize * hashSize
)

// Engine computes 64-bit DCT perceptual hashes.
type Engine struct{}

// NewEngine creates a new fingerprint engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Compute fingerprints the image in data. Identical pixel content always
// yields the identical fingerprint.
func (e *Engine) Compute(data []byte) (models.Fingerprint, error) {
	img, _, err := imaging.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	luma := imaging.Luminance(imaging.Resize(img, sampleSize, sampleSize))
	coeffs := e.transform2D(luma)

	block := make([]float64, 0, Bits)
	for y := 0; y < hashSize; y++ {
		block = append(block, coeffs[y*sampleSize:y*sampleSize+hashSize]...)
	}

	// The DC term only carries overall brightness; leave it out of the median.
	ac := append([]float64(nil), block[1:]...)
	sort.Float64s(ac)
	median := stat.Quantile(0.5, stat.Empirical, ac, nil)

	var hash uint64
	for i, c := range block {
		if c > median {
			hash |= 1 << uint(Bits-1-i)
		}
	}
	return models.Fingerprint(fmt.Sprintf("%016x", hash)), nil
}

// transform2D applies the DCT to every row and then every column.
// fourier.DCT keeps internal work buffers, so each call gets its own.
func (e *Engine) transform2D(pixels []float64) []float64 {
	dct := fourier.NewDCT(sampleSize)
	out := make([]float64, len(pixels))
	row := make([]float64, sampleSize)
	for y := 0; y < sampleSize; y++ {
		dct.Transform(row, pixels[y*sampleSize:(y+1)*sampleSize])
		copy(out[y*sampleSize:], row)
	}
	col := make([]float64, sampleSize)
	res := make([]float64, sampleSize)
	for x := 0; x < sampleSize; x++ {
		for y := 0; y < sampleSize; y++ {
			col[y] = out[y*sampleSize+x]
		}
		dct.Transform(res, col)
		for y := 0; y < sampleSize; y++ {
			out[y*sampleSize+x] = res[y]
		}
	}
	return out
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b models.Fingerprint) (int, error) {
	x, err := parse(a)
	if err != nil {
		return 0, err
	}
	y, err := parse(b)
	if err != nil {
		return 0, err
	}
	return bits.OnesCount64(x ^ y), nil
}

func parse(f models.Fingerprint) (uint64, error) {
	if len(f) != Bits/4 {
		return 0, fmt.Errorf("fingerprint %q: want %d hex digits", f, Bits/4)
	}
	v, err := strconv.ParseUint(string(f), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %q: %w", f, err)
	}
	return v, nil
}
