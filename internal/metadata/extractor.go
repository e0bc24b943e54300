// Package metadata extracts embedded capture metadata from images and scores
// how trustworthy that metadata looks.
package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/fixbounty/fraudguard/internal/imaging"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// exifTimeLayout is the EXIF DateTime format.
const exifTimeLayout = "2006:01:02 15:04:05"

var exifHeader = []byte("Exif\x00\x00")

// Extractor reads EXIF metadata from image bytes.
type Extractor struct{}

// NewExtractor creates a new metadata extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the embedded metadata, or nil when the image carries none
// or it cannot be parsed. It never returns an error.
func (e *Extractor) Extract(data []byte) (meta *models.ImageMetadata) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Metadata extraction panicked")
			meta = nil
		}
	}()

	if len(data) == 0 {
		return nil
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		if bytes.Contains(data, exifHeader) {
			log.Warn().Err(err).Msg("Metadata extraction failed")
		} else {
			log.Debug().Msg("Image has no embedded metadata")
		}
		return nil
	}
	if err != nil {
		log.Debug().Err(err).Msg("Partial metadata extracted")
	}

	meta = &models.ImageMetadata{
		CameraMake:  stringTag(x, exif.Make),
		CameraModel: stringTag(x, exif.Model),
		Software:    stringTag(x, exif.Software),
		CaptureTime: timeTag(x, exif.DateTimeOriginal),
		ModifyTime:  timeTag(x, exif.DateTime),
	}

	if meta.CaptureTime == nil {
		meta.CaptureTime = timeTag(x, exif.DateTimeDigitized)
	}

	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			meta.ShutterSpeed = fmt.Sprintf("%d/%d", num, den)
		}
	}

	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if iso, err := tag.Int(0); err == nil {
			meta.ISO = &iso
		}
	}

	if lat, lon, err := x.LatLong(); err == nil {
		meta.GPS = &models.GPSPoint{Latitude: lat, Longitude: lon}
	}

	meta.Width = intTag(x, exif.PixelXDimension)
	meta.Height = intTag(x, exif.PixelYDimension)
	if meta.Width == 0 || meta.Height == 0 {
		if w, h, err := imaging.Dimensions(data); err == nil {
			meta.Width, meta.Height = w, h
		}
	}

	return meta
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil || tag.Format() != tiff.StringVal {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func timeTag(x *exif.Exif, name exif.FieldName) *time.Time {
	s := stringTag(x, name)
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(exifTimeLayout, s, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func intTag(x *exif.Exif, name exif.FieldName) int {
	tag, err := x.Get(name)
	if err != nil || tag.Format() != tiff.IntVal {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return v
}
