package textindex

import (
	"context"

	"github.com/hupe1980/imago/model"
)

// Hit is one full-text match with its relevance score.
type Hit struct {
	ID        model.ImageID
	Relevance float64
}

// Index is the contract of the full-text index.
//
// Upsert is idempotent: re-inserting the same image id replaces the
// previous document, it never duplicates postings.
type Index interface {
	// Upsert indexes the spans of an image, replacing any prior document.
	Upsert(id model.ImageID, spans []model.Span) error

	// Remove deletes an image's document. Removing an absent id is a no-op.
	Remove(id model.ImageID) error

	// Search runs a token query and returns up to k hits ordered by
	// descending relevance, ties broken by image id ascending.
	Search(ctx context.Context, text string, k int) ([]Hit, error)

	// Len returns the number of indexed documents.
	Len() int

	// Close releases index resources.
	Close() error
}
