package forensics

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/fixbounty/fraudguard/internal/imaging"
	"gonum.org/v1/gonum/stat"
)

const (
	noiseSampleSize = 128
	// Mean absolute Laplacian (0-255 luma) at or above which an image looks
	// like it came off a camera sensor.
	sensorNoiseReference = 6.0
)

// pixelScore rates how free of sensor noise the image is, 0 (noisy like a
// camera) to 1 (perfectly smooth).
func pixelScore(data []byte) (float64, error) {
	img, _, err := imaging.Decode(data)
	if err != nil {
		return 0, err
	}
	luma := imaging.Luminance(imaging.Resize(img, noiseSampleSize, noiseSampleSize))

	n := noiseSampleSize
	residuals := make([]float64, 0, (n-2)*(n-2))
	for y := 1; y < n-1; y++ {
		for x := 1; x < n-1; x++ {
			i := y*n + x
			lap := 4*luma[i] - luma[i-1] - luma[i+1] - luma[i-n] - luma[i+n]
			residuals = append(residuals, math.Abs(lap))
		}
	}
	noise := stat.Mean(residuals, nil)
	return math.Max(0, 1-noise/sensorNoiseReference), nil
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// PNGText returns the keyword/value pairs of tEXt, iTXt and zTXt chunks.
// Compressed values are not inflated; their keyword is kept with an empty value.
func PNGText(data []byte) map[string]string {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil
	}
	out := make(map[string]string)
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		kind := string(data[pos+4 : pos+8])
		start := pos + 8
		end := start + length
		if length < 0 || end+4 > len(data) {
			break
		}
		chunk := data[start:end]
		switch kind {
		case "tEXt":
			if k, v, ok := bytes.Cut(chunk, []byte{0}); ok {
				out[string(k)] = string(v)
			}
		case "iTXt":
			// keyword\0 flag method lang\0 translated\0 text
			if k, rest, ok := bytes.Cut(chunk, []byte{0}); ok {
				value := ""
				if len(rest) >= 2 && rest[0] == 0 {
					parts := bytes.SplitN(rest[2:], []byte{0}, 3)
					if len(parts) == 3 {
						value = string(parts[2])
					}
				}
				out[string(k)] = value
			}
		case "zTXt":
			if k, _, ok := bytes.Cut(chunk, []byte{0}); ok {
				out[string(k)] = ""
			}
		case "IEND":
			return out
		}
		pos = end + 4
	}
	return out
}
