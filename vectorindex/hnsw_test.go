package vectorindex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/imago/model"
)

func randomUnitVectors(t *testing.T, n, dim int, seed int64) []model.Vector {
	t.Helper()

	version := model.ModelVersion{Name: "test", Dimension: dim}
	rng := rand.New(rand.NewSource(seed))
	out := make([]model.Vector, n)
	for i := range out {
		values := make([]float32, dim)
		for j := range values {
			values[j] = float32(rng.NormFloat64())
		}
		out[i] = model.Vector{Values: unit(values...), Version: version}
	}
	return out
}

// Recall contract: the approximate index must agree with the exact scan
// on at least 95% of top-5 results over a realistic corpus.
func TestHNSW_RecallAgainstFlat(t *testing.T) {
	const (
		n       = 1000
		dim     = 32
		k       = 5
		queries = 50
	)

	version := model.ModelVersion{Name: "test", Dimension: dim}
	vecs := randomUnitVectors(t, n, dim, 42)

	flat := NewFlat(version)
	hnsw := NewHNSW(version)
	for i, v := range vecs {
		id := model.ImageID(fmt.Sprintf("img-%04d", i))
		require.NoError(t, flat.Upsert(id, v))
		require.NoError(t, hnsw.Upsert(id, v))
	}

	ctx := context.Background()
	queryVecs := randomUnitVectors(t, queries, dim, 7)

	var overlap, total int
	for _, q := range queryVecs {
		exact, err := flat.Search(ctx, q.Values, k, nil)
		require.NoError(t, err)
		approx, err := hnsw.Search(ctx, q.Values, k, nil)
		require.NoError(t, err)
		require.Len(t, approx, k)

		want := make(map[model.ImageID]struct{}, k)
		for _, h := range exact {
			want[h.ID] = struct{}{}
		}
		for _, h := range approx {
			if _, ok := want[h.ID]; ok {
				overlap++
			}
		}
		total += k

		// Scores must be non-increasing.
		for i := 1; i < len(approx); i++ {
			require.LessOrEqual(t, approx[i].Similarity, approx[i-1].Similarity)
		}
	}

	recall := float64(overlap) / float64(total)
	require.GreaterOrEqual(t, recall, 0.95, "recall %.3f below contract", recall)
}

func TestHNSW_UpsertIdempotentAndReplace(t *testing.T) {
	h := NewHNSW(testVersion)

	v := vec(1, 0, 0)
	require.NoError(t, h.Upsert("img-a", v))
	seq := h.Seq()

	require.NoError(t, h.Upsert("img-a", v))
	require.Equal(t, seq, h.Seq())
	require.Equal(t, 1, h.Len())

	require.NoError(t, h.Upsert("img-a", vec(0, 1, 0)))
	require.Equal(t, 1, h.Len())

	got, ok := h.Get("img-a")
	require.True(t, ok)
	require.Equal(t, unit(0, 1, 0), got.Values)
}

func TestHNSW_RemoveTombstones(t *testing.T) {
	h := NewHNSW(testVersion)
	ctx := context.Background()

	require.NoError(t, h.Upsert("img-a", vec(1, 0, 0)))
	require.NoError(t, h.Upsert("img-b", vec(0.9, 0.1, 0)))
	require.NoError(t, h.Remove("img-a"))
	require.NoError(t, h.Remove("img-a")) // absent id is a no-op
	require.Equal(t, 1, h.Len())

	hits, err := h.Search(ctx, unit(1, 0, 0), 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, model.ImageID("img-b"), hits[0].ID)

	_, ok := h.Get("img-a")
	require.False(t, ok)
}

func TestHNSW_ConcurrentUpsertSearch(t *testing.T) {
	const dim = 16
	version := model.ModelVersion{Name: "test", Dimension: dim}
	h := NewHNSW(version)
	vecs := randomUnitVectors(t, 400, dim, 3)

	ctx := context.Background()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, v := range vecs {
			_ = h.Upsert(model.ImageID(fmt.Sprintf("img-%04d", i)), v)
		}
	}()

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			queries := randomUnitVectors(t, 50, dim, seed)
			for _, q := range queries {
				hits, err := h.Search(ctx, q.Values, 5, nil)
				if err != nil {
					t.Error(err)
					return
				}
				for i := 1; i < len(hits); i++ {
					if hits[i].Similarity > hits[i-1].Similarity {
						t.Error("similarity order violated")
						return
					}
				}
			}
		}(int64(100 + g))
	}

	wg.Wait()
	require.Equal(t, len(vecs), h.Len())
}

func TestHNSW_StateRoundtrip(t *testing.T) {
	const dim = 16
	version := model.ModelVersion{Name: "test", Dimension: dim}
	h := NewHNSW(version)
	vecs := randomUnitVectors(t, 200, dim, 9)
	for i, v := range vecs {
		require.NoError(t, h.Upsert(model.ImageID(fmt.Sprintf("img-%04d", i)), v))
	}
	require.NoError(t, h.Remove("img-0007"))

	restored := NewHNSW(version)
	require.NoError(t, restored.Restore(h.State()))
	require.Equal(t, h.Len(), restored.Len())
	require.Equal(t, h.Seq(), restored.Seq())

	// Tombstoned entries do not survive the roundtrip.
	_, ok := restored.Get("img-0007")
	require.False(t, ok)

	ctx := context.Background()
	q := randomUnitVectors(t, 1, dim, 11)[0]
	hits, err := restored.Search(ctx, q.Values, 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 5)
}
