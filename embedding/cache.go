package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// DefaultCacheSize is the default number of cached vectors.
const DefaultCacheSize = 10_000

// Cached wraps a Computer with an LRU cache keyed by content hash.
// The inner computer is deterministic per (content, version), so a cache
// hit only saves a model invocation, the expensive step of the pipeline.
type Cached struct {
	inner Computer
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner with an LRU cache of maxLen vectors.
func NewCached(inner Computer, maxLen int) (*Cached, error) {
	if maxLen <= 0 {
		maxLen = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](maxLen)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

var _ Computer = (*Cached)(nil)

func contentKey(prefix string, data []byte) string {
	h := sha256.Sum256(data)
	return prefix + hex.EncodeToString(h[:])
}

func (c *Cached) get(key string) (model.Vector, bool) {
	values, ok := c.cache.Get(key)
	if !ok {
		return model.Vector{}, false
	}
	// Copy out so caller mutations cannot poison the cache.
	return model.Vector{Values: slices.Clone(values), Version: c.inner.Version()}, true
}

func (c *Cached) put(key string, vec model.Vector) {
	c.cache.Add(key, slices.Clone(vec.Values))
}

// Embed computes or recalls the vector of a decoded image.
func (c *Cached) Embed(ctx context.Context, img *pixel.Image) (model.Vector, error) {
	key := contentKey("img:", img.Raw)
	if vec, ok := c.get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, img)
	if err != nil {
		return model.Vector{}, err
	}
	c.put(key, vec)
	return vec, nil
}

// EmbedText computes or recalls the vector of query text.
func (c *Cached) EmbedText(ctx context.Context, text string) (model.Vector, error) {
	key := contentKey("txt:", []byte(text))
	if vec, ok := c.get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedText(ctx, text)
	if err != nil {
		return model.Vector{}, err
	}
	c.put(key, vec)
	return vec, nil
}

// Version identifies the wrapped model.
func (c *Cached) Version() model.ModelVersion { return c.inner.Version() }

// Close releases the wrapped computer.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
