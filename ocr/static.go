package ocr

import (
	"context"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// Static returns a fixed set of spans for every image, or a fixed error.
// It exists for tests and wiring experiments.
type Static struct {
	Spans []model.Span
	Err   error
}

var _ Extractor = (*Static)(nil)

// Extract returns the configured spans or error.
func (s *Static) Extract(context.Context, *pixel.Image) ([]model.Span, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]model.Span, len(s.Spans))
	copy(out, s.Spans)
	return out, nil
}

// Close releases nothing.
func (s *Static) Close() error { return nil }
