// Package ocr extracts text spans from image pixels.
//
// Extraction is strictly best-effort in the pipeline: an image with no
// recognizable text is valid, so extractors never error on "no text
// found", only on unreadable input or engine failure. The engine is
// process-wide state selected at startup; concurrent extraction calls
// must be safe.
package ocr

import (
	"context"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// DefaultConfidenceFloor drops spans the engine itself is unsure about
// before they can pollute the full-text index.
const DefaultConfidenceFloor = 0.5

// Extractor produces zero or more text spans from a decoded image.
type Extractor interface {
	// Extract returns the recognized spans. An empty result is not an
	// error.
	Extract(ctx context.Context, img *pixel.Image) ([]model.Span, error)

	// Close releases engine resources.
	Close() error
}

// ApplyFloor filters spans below the confidence floor and drops empties.
// It runs between the engine and the index so every extractor variant
// gets the same treatment.
func ApplyFloor(spans []model.Span, floor float64) []model.Span {
	if len(spans) == 0 {
		return nil
	}
	out := spans[:0]
	for _, sp := range spans {
		if sp.Text == "" || sp.Confidence < floor {
			continue
		}
		out = append(out, sp)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Noop is an extractor that finds no text. Useful when OCR is disabled
// or in tests exercising the no-text path.
type Noop struct{}

// NewNoop creates a Noop extractor.
func NewNoop() Noop { return Noop{} }

var _ Extractor = Noop{}

// Extract returns no spans.
func (Noop) Extract(context.Context, *pixel.Image) ([]model.Span, error) { return nil, nil }

// Close releases nothing.
func (Noop) Close() error { return nil }
