package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// Deterministic is a pure-Go embedding computer: it expands a SHA-256 of
// the input through counter-mode hashing into a unit vector. Identical
// bytes always produce the identical vector, which is exactly the property
// the ingest idempotence and recovery tests need. It has no notion of
// visual similarity and is not a substitute for a real model in
// production.
type Deterministic struct {
	version model.ModelVersion
}

// NewDeterministic creates a deterministic computer with the given
// dimension.
func NewDeterministic(dim int) (*Deterministic, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding: invalid dimension %d", dim)
	}
	return &Deterministic{
		version: model.ModelVersion{Name: "deterministic-sha256", Dimension: dim},
	}, nil
}

var _ Computer = (*Deterministic)(nil)

// Embed computes the vector of a decoded image from its raw bytes.
func (d *Deterministic) Embed(_ context.Context, img *pixel.Image) (model.Vector, error) {
	return d.expand(img.Raw)
}

// EmbedText computes the vector of query text.
func (d *Deterministic) EmbedText(_ context.Context, text string) (model.Vector, error) {
	if text == "" {
		return model.Vector{}, ErrEmptyText
	}
	return d.expand([]byte(text))
}

func (d *Deterministic) expand(data []byte) (model.Vector, error) {
	seed := sha256.Sum256(data)

	dim := d.version.Dimension
	values := make([]float32, dim)
	var block [40]byte
	copy(block[:32], seed[:])

	for i := 0; i < dim; i++ {
		binary.BigEndian.PutUint64(block[32:], uint64(i))
		h := sha256.Sum256(block[:])
		u := binary.BigEndian.Uint64(h[:8])
		// Interpret as signed to land in [-1, 1).
		values[i] = float32(int64(u)) / float32(1<<63)
	}
	if err := NormalizeL2(values); err != nil {
		return model.Vector{}, err
	}
	return model.Vector{Values: values, Version: d.version}, nil
}

// Version identifies the model.
func (d *Deterministic) Version() model.ModelVersion { return d.version }

// Close releases model resources.
func (d *Deterministic) Close() error { return nil }
