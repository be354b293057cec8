// Package vectorindex stores image embeddings and answers approximate
// nearest-neighbor queries.
//
// The similarity metric is fixed process-wide: inner product over unit
// L2-normalized vectors, which is equivalent to cosine similarity. Changing
// the metric invalidates every stored ranking and requires a full rebuild,
// so there is deliberately no option for it.
//
// Every index is bound to one embedding model version. Vectors produced by
// a different model version are rejected at the door; cross-version
// comparisons are meaningless and must go through an explicit rebuild.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/hupe1980/imago/model"
)

// Hit is one nearest-neighbor match. Similarity is the inner product of
// unit vectors, in [-1, 1], higher is closer.
type Hit struct {
	ID         model.ImageID
	Similarity float32
}

// FilterFunc restricts a search to ids for which it returns true.
// A nil filter admits everything.
type FilterFunc func(id model.ImageID) bool

// Index is the contract of the vector index.
//
// Upsert is idempotent: re-upserting the same (id, vector) pair is a
// no-op, and a changed vector replaces the previous entry without ever
// duplicating the id. Concurrent Search during Upsert sees an entry fully
// or not at all, never partially written.
type Index interface {
	// Upsert inserts or replaces the vector of an image.
	Upsert(id model.ImageID, vec model.Vector) error

	// Remove deletes an image's vector. Removing an absent id is a no-op.
	Remove(id model.ImageID) error

	// Search returns up to k hits ordered by descending similarity, ties
	// broken by image id ascending.
	Search(ctx context.Context, query []float32, k int, filter FilterFunc) ([]Hit, error)

	// Get returns the committed vector of an image.
	Get(id model.ImageID) (model.Vector, bool)

	// Len returns the number of live entries.
	Len() int

	// Seq returns the monotonically increasing version counter. It advances
	// on every mutation; readers capture it to detect stale reads across a
	// concurrent rebuild.
	Seq() uint64

	// Version returns the embedding model version this index is bound to.
	Version() model.ModelVersion

	// State and Restore expose the serializable contents for segment
	// persistence. NewState returns an empty value for decoding into.
	State() any
	Restore(v any) error
	NewState() any

	// Close releases index resources.
	Close() error
}

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vectorindex: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrVersionMismatch indicates a vector stamped with a different model
// version than the index is bound to.
type ErrVersionMismatch struct {
	Want model.ModelVersion
	Got  model.ModelVersion
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("vectorindex: model version mismatch: index %s, vector %s", e.Want, e.Got)
}

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = fmt.Errorf("vectorindex: k must be positive")

var errBadState = fmt.Errorf("vectorindex: incompatible snapshot state")

// Dot is the fixed similarity kernel: inner product of two equal-length
// vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
