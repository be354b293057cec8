// Package embedding computes fixed-dimension vector representations of
// image content (and of query text, into the same space).
//
// The computer is process-wide state: loaded once at startup, safe for
// concurrent invocation, never reloaded mid-request. Variants are selected
// at construction, not at call time. Every vector is stamped with the
// producing model version so the vector index can refuse cross-version
// comparisons.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// ErrEmptyText is returned when text embedding is requested for an empty
// string.
var ErrEmptyText = errors.New("embedding: empty text")

// Computer produces embeddings. Implementations must be deterministic for
// identical input and model version, and safe for concurrent use.
type Computer interface {
	// Embed computes the vector of a decoded image.
	Embed(ctx context.Context, img *pixel.Image) (model.Vector, error)

	// EmbedText computes the vector of query text in the same space.
	EmbedText(ctx context.Context, text string) (model.Vector, error)

	// Version identifies the model; fixed for the computer's lifetime.
	Version() model.ModelVersion

	// Close releases model resources.
	Close() error
}

// NormalizeL2 scales v to unit L2 norm in place. Returns an error for a
// zero vector: the similarity metric is undefined for it.
func NormalizeL2(v []float32) error {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return errors.New("embedding: zero-norm vector")
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return nil
}

// checkDim validates a model response against the configured dimension.
func checkDim(got, want int) error {
	if got != want {
		return fmt.Errorf("embedding: model returned %d dimensions, configured %d", got, want)
	}
	return nil
}
