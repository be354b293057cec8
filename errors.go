package imago

import (
	"errors"
	"fmt"

	"github.com/hupe1980/imago/ingest"
	"github.com/hupe1980/imago/metastore"
	"github.com/hupe1980/imago/query"
)

// The pipeline error types are defined next to the coordinator that
// raises them and re-exported here so callers can depend on the root
// package alone.
type (
	// ValidationError indicates input that could not be decoded as an image.
	ValidationError = ingest.ValidationError

	// EmbeddingError indicates the embedding computer failed for one image.
	EmbeddingError = ingest.EmbeddingError

	// OCRError indicates the text extractor failed for one image.
	OCRError = ingest.OCRError

	// IndexCommitError indicates a commit into an index structure failed.
	IndexCommitError = ingest.IndexCommitError
)

var (
	// ErrNotFound is returned when a referenced image does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when admission control rejects an upload.
	// The caller should back off and retry.
	ErrBusy = ingest.ErrBusy

	// ErrClosed is returned after the engine has been shut down.
	ErrClosed = ingest.ErrClosed

	// ErrInvalidQuery is returned for a request with no modality or a
	// non-positive k.
	ErrInvalidQuery = query.ErrInvalidRequest

	// ErrQueryTimeout is returned when every supplied query modality
	// timed out.
	ErrQueryTimeout = query.ErrTimeout

	// ErrModelMismatch is returned at startup when the configured
	// embedding model does not match the persisted index segments and no
	// rebuild was requested.
	ErrModelMismatch = errors.New("embedding model does not match persisted segments")
)

// translateError unifies subsystem errors into the root taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, metastore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, query.ErrRefNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}
