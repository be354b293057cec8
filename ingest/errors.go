package ingest

import (
	"errors"
	"fmt"

	"github.com/hupe1980/imago/model"
)

var (
	// ErrClosed is returned when the coordinator has been shut down.
	ErrClosed = errors.New("ingest: coordinator closed")

	// ErrBusy is returned when admission control rejects an upload because
	// the worker queue is full or the rate limit is exceeded. The caller
	// should back off and retry.
	ErrBusy = errors.New("ingest: too many concurrent ingestions")
)

// ValidationError indicates input that could not be decoded as an image.
// It is permanent: retrying the same bytes cannot succeed.
type ValidationError struct {
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: invalid input: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// EmbeddingError indicates the embedding computer failed for one image.
// The failure is scoped to that image; it never poisons the pipeline.
type EmbeddingError struct {
	ID    model.ImageID
	cause error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("ingest: embedding failed for %s: %v", e.ID, e.cause)
}

func (e *EmbeddingError) Unwrap() error { return e.cause }

// OCRError indicates the text extractor failed for one image. Extraction
// is best-effort, so this error is logged and absorbed, never returned to
// the uploader.
type OCRError struct {
	ID    model.ImageID
	cause error
}

func (e *OCRError) Error() string {
	return fmt.Sprintf("ingest: text extraction failed for %s: %v", e.ID, e.cause)
}

func (e *OCRError) Unwrap() error { return e.cause }

// IndexCommitError indicates a commit into one of the index structures
// failed. Stage names the structure ("vector", "text", "spans").
type IndexCommitError struct {
	ID    model.ImageID
	Stage string
	cause error
}

func (e *IndexCommitError) Error() string {
	return fmt.Sprintf("ingest: %s commit failed for %s: %v", e.Stage, e.ID, e.cause)
}

func (e *IndexCommitError) Unwrap() error { return e.cause }
