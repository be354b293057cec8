// Package pixel decodes and validates raw image bytes into the pixel
// handle the embedding and OCR adapters consume.
//
// Decoding happens exactly once per ingest; both model adapters share the
// resulting Image. Input that cannot be decoded is rejected here, before
// any fingerprint-keyed work is committed.
package pixel

import (
	"bytes"
	"fmt"
	"image"

	// Register the stock decoders. Formats outside this set are rejected
	// as unsupported input.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Image is a decoded image plus the raw bytes it was decoded from.
// Adapters that call out to external engines (OCR, embedding servers) send
// the raw bytes; in-process code uses the decoded pixels.
type Image struct {
	Pixels image.Image
	Format string
	Raw    []byte
}

// Width returns the pixel width of the decoded image.
func (i *Image) Width() int { return i.Pixels.Bounds().Dx() }

// Height returns the pixel height of the decoded image.
func (i *Image) Height() int { return i.Pixels.Bounds().Dy() }

// Decode validates and decodes raw bytes. The returned error wraps the
// decoder failure and marks the input as unreadable.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pixel: empty input")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pixel: decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("pixel: degenerate image %dx%d", b.Dx(), b.Dy())
	}
	return &Image{Pixels: img, Format: format, Raw: data}, nil
}
