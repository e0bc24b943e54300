// Package testsupport builds synthetic images and stores for package tests.
package testsupport

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"testing"
)

// NoisyImage returns a w x h image of seeded per-pixel noise over a gradient,
// resembling the sensor noise of a camera photo.
func NoisyImage(w, h int, seed uint64) *image.RGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := (x*255/max(w-1, 1) + y*255/max(h-1, 1)) / 2
			img.SetRGBA(x, y, color.RGBA{
				R: clamp8(base + rng.IntN(90) - 45),
				G: clamp8(base + rng.IntN(90) - 45),
				B: clamp8(255 - base + rng.IntN(90) - 45),
				A: 255,
			})
		}
	}
	return img
}

// BlockImage returns a w x h image of large random color blocks.
func BlockImage(w, h, block int, seed uint64) *image.RGBA {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	cols := (w + block - 1) / block
	rows := (h + block - 1) / block
	palette := make([]color.RGBA, cols*rows)
	for i := range palette {
		palette[i] = color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, palette[(y/block)*cols+x/block])
		}
	}
	return img
}

// SolidImage returns a w x h image filled with c.
func SolidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// PNG encodes img as PNG.
func PNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// JPEG encodes img as a baseline JPEG without metadata.
func JPEG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// PNGWithText encodes img as PNG and inserts a tEXt chunk after IHDR.
func PNGWithText(t testing.TB, img image.Image, keyword, text string) []byte {
	t.Helper()
	raw := PNG(t, img)
	// signature (8) + IHDR chunk (4 len + 4 type + 13 data + 4 crc)
	const ihdrEnd = 8 + 25
	data := append([]byte(keyword), 0)
	data = append(data, text...)

	var chunk bytes.Buffer
	_ = binary.Write(&chunk, binary.BigEndian, uint32(len(data)))
	chunk.WriteString("tEXt")
	chunk.Write(data)
	_ = binary.Write(&chunk, binary.BigEndian, crc32.ChecksumIEEE(append([]byte("tEXt"), data...)))

	out := make([]byte, 0, len(raw)+chunk.Len())
	out = append(out, raw[:ihdrEnd]...)
	out = append(out, chunk.Bytes()...)
	return append(out, raw[ihdrEnd:]...)
}

// ExifTags describes the metadata JPEGWithExif embeds. Empty fields are omitted.
type ExifTags struct {
	Make             string
	Model            string
	Software         string
	DateTime         string // modify time, "2006:01:02 15:04:05"
	DateTimeOriginal string // capture time
	ISO              uint16
	Latitude         *float64
	Longitude        *float64
}

// JPEGWithExif encodes img as JPEG and prepends an APP1 EXIF segment.
func JPEGWithExif(t testing.TB, img image.Image, tags ExifTags) []byte {
	t.Helper()
	body := JPEG(t, img)
	tiff := buildTIFF(tags)

	payload := append([]byte("Exif\x00\x00"), tiff...)
	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(body[2:]) // skip the encoder's SOI
	return out.Bytes()
}

const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}

func longEntry(tag uint16) ifdEntry {
	return ifdEntry{tag: tag, typ: typeLong, count: 1, data: make([]byte, 4)}
}

func degreesEntry(tag uint16, v float64) ifdEntry {
	if v < 0 {
		v = -v
	}
	deg := uint32(v)
	minutesF := (v - float64(deg)) * 60
	mins := uint32(minutesF)
	secs := uint32((minutesF - float64(mins)) * 60 * 10000)
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[0:], deg)
	binary.LittleEndian.PutUint32(b[4:], 1)
	binary.LittleEndian.PutUint32(b[8:], mins)
	binary.LittleEndian.PutUint32(b[12:], 1)
	binary.LittleEndian.PutUint32(b[16:], secs)
	binary.LittleEndian.PutUint32(b[20:], 10000)
	return ifdEntry{tag: tag, typ: typeRational, count: 3, data: b}
}

func ifdSize(entries []ifdEntry) int {
	size := 2 + 12*len(entries) + 4
	for _, e := range entries {
		if len(e.data) > 4 {
			size += len(e.data) + len(e.data)%2
		}
	}
	return size
}

func buildTIFF(tags ExifTags) []byte {
	var ifd0, exifIFD, gpsIFD []ifdEntry
	if tags.Make != "" {
		ifd0 = append(ifd0, asciiEntry(0x010F, tags.Make))
	}
	if tags.Model != "" {
		ifd0 = append(ifd0, asciiEntry(0x0110, tags.Model))
	}
	if tags.Software != "" {
		ifd0 = append(ifd0, asciiEntry(0x0131, tags.Software))
	}
	if tags.DateTime != "" {
		ifd0 = append(ifd0, asciiEntry(0x0132, tags.DateTime))
	}
	if tags.ISO != 0 {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, tags.ISO)
		exifIFD = append(exifIFD, ifdEntry{tag: 0x8827, typ: typeShort, count: 1, data: b})
	}
	if tags.DateTimeOriginal != "" {
		exifIFD = append(exifIFD, asciiEntry(0x9003, tags.DateTimeOriginal))
	}
	if tags.Latitude != nil && tags.Longitude != nil {
		latRef, lonRef := "N", "E"
		if *tags.Latitude < 0 {
			latRef = "S"
		}
		if *tags.Longitude < 0 {
			lonRef = "W"
		}
		gpsIFD = append(gpsIFD,
			asciiEntry(0x0001, latRef),
			degreesEntry(0x0002, *tags.Latitude),
			asciiEntry(0x0003, lonRef),
			degreesEntry(0x0004, *tags.Longitude),
		)
	}

	exifPtr, gpsPtr := -1, -1
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8769))
		exifPtr = len(ifd0) - 1
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8825))
		gpsPtr = len(ifd0) - 1
	}

	ifd0Off := 8
	exifOff := ifd0Off + ifdSize(ifd0)
	gpsOff := exifOff
	if len(exifIFD) > 0 {
		gpsOff += ifdSize(exifIFD)
	}
	if exifPtr >= 0 {
		binary.LittleEndian.PutUint32(ifd0[exifPtr].data, uint32(exifOff))
	}
	if gpsPtr >= 0 {
		binary.LittleEndian.PutUint32(ifd0[gpsPtr].data, uint32(gpsOff))
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(42))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ifd0Off))
	writeIFD(&buf, ifd0, ifd0Off)
	if len(exifIFD) > 0 {
		writeIFD(&buf, exifIFD, exifOff)
	}
	if len(gpsIFD) > 0 {
		writeIFD(&buf, gpsIFD, gpsOff)
	}
	return buf.Bytes()
}

func writeIFD(buf *bytes.Buffer, entries []ifdEntry, start int) {
	dataOff := start + 2 + 12*len(entries) + 4
	var data bytes.Buffer
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(buf, binary.LittleEndian, e.tag)
		_ = binary.Write(buf, binary.LittleEndian, e.typ)
		_ = binary.Write(buf, binary.LittleEndian, e.count)
		if len(e.data) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.data)
			buf.Write(inline)
			continue
		}
		_ = binary.Write(buf, binary.LittleEndian, uint32(dataOff+data.Len()))
		data.Write(e.data)
		if len(e.data)%2 == 1 {
			data.WriteByte(0)
		}
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(0))
	buf.Write(data.Bytes())
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
