package vectorindex

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/imago/model"
)

// Flat is the exact index: a brute-force scan over a copy-on-write
// snapshot. It is the recall reference for the approximate index and the
// right choice below ~100K entries.
//
// Writers serialize on a mutex and publish a fresh immutable snapshot;
// readers load the current snapshot atomically and never block writers.
type Flat struct {
	version model.ModelVersion

	mu   sync.Mutex // writers only
	snap atomic.Pointer[flatSnapshot]
	seq  atomic.Uint64
}

// flatSnapshot is an immutable view. ids is sorted ascending; vecs is
// parallel to ids.
type flatSnapshot struct {
	ids  []model.ImageID
	vecs [][]float32
}

// NewFlat creates an empty exact index bound to the given model version.
func NewFlat(version model.ModelVersion) *Flat {
	f := &Flat{version: version}
	f.snap.Store(&flatSnapshot{})
	return f
}

var _ Index = (*Flat)(nil)

func (f *Flat) check(vec model.Vector) error {
	if vec.Version != f.version {
		return &ErrVersionMismatch{Want: f.version, Got: vec.Version}
	}
	if vec.Dim() != f.version.Dimension {
		return &ErrDimensionMismatch{Expected: f.version.Dimension, Actual: vec.Dim()}
	}
	return nil
}

// Upsert inserts or replaces the vector of an image.
func (f *Flat) Upsert(id model.ImageID, vec model.Vector) error {
	if err := f.check(vec); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	i, found := slices.BinarySearch(cur.ids, id)
	if found && slices.Equal(cur.vecs[i], vec.Values) {
		// Identical vector already committed: idempotent no-op.
		return nil
	}

	next := &flatSnapshot{
		ids:  make([]model.ImageID, len(cur.ids), len(cur.ids)+1),
		vecs: make([][]float32, len(cur.vecs), len(cur.vecs)+1),
	}
	copy(next.ids, cur.ids)
	copy(next.vecs, cur.vecs)

	vcopy := slices.Clone(vec.Values)
	if found {
		next.vecs[i] = vcopy
	} else {
		next.ids = slices.Insert(next.ids, i, id)
		next.vecs = slices.Insert(next.vecs, i, vcopy)
	}

	f.snap.Store(next)
	f.seq.Add(1)
	return nil
}

// Remove deletes an image's vector.
func (f *Flat) Remove(id model.ImageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	i, found := slices.BinarySearch(cur.ids, id)
	if !found {
		return nil
	}

	next := &flatSnapshot{
		ids:  append(slices.Clone(cur.ids[:i]), cur.ids[i+1:]...),
		vecs: append(slices.Clone(cur.vecs[:i]), cur.vecs[i+1:]...),
	}
	f.snap.Store(next)
	f.seq.Add(1)
	return nil
}

// Search scans the current snapshot and returns the exact top k by inner
// product, ties broken by image id ascending.
func (f *Flat) Search(ctx context.Context, query []float32, k int, filter FilterFunc) ([]Hit, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != f.version.Dimension {
		return nil, &ErrDimensionMismatch{Expected: f.version.Dimension, Actual: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := f.snap.Load()
	hits := make([]Hit, 0, len(snap.ids))
	for i, id := range snap.ids {
		if filter != nil && !filter(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: Dot(query, snap.vecs[i])})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get returns the committed vector of an image.
func (f *Flat) Get(id model.ImageID) (model.Vector, bool) {
	snap := f.snap.Load()
	i, found := slices.BinarySearch(snap.ids, id)
	if !found {
		return model.Vector{}, false
	}
	return model.Vector{Values: slices.Clone(snap.vecs[i]), Version: f.version}, true
}

// Len returns the number of live entries.
func (f *Flat) Len() int { return len(f.snap.Load().ids) }

// Seq returns the mutation counter.
func (f *Flat) Seq() uint64 { return f.seq.Load() }

// Version returns the bound model version.
func (f *Flat) Version() model.ModelVersion { return f.version }

// Close releases index resources.
func (f *Flat) Close() error { return nil }

// flatState is the serializable snapshot of the index.
type flatState struct {
	Version model.ModelVersion `json:"version"`
	IDs     []model.ImageID    `json:"ids"`
	Vecs    [][]float32        `json:"vecs"`
	Seq     uint64             `json:"seq"`
}

// State returns the current contents for segment persistence.
func (f *Flat) State() any {
	snap := f.snap.Load()
	return flatState{
		Version: f.version,
		IDs:     slices.Clone(snap.ids),
		Vecs:    slices.Clone(snap.vecs),
		Seq:     f.seq.Load(),
	}
}

// Restore replaces the index contents with a persisted state.
func (f *Flat) Restore(v any) error {
	st, ok := v.(*flatState)
	if !ok {
		if s, ok2 := v.(flatState); ok2 {
			st = &s
		} else {
			return errBadState
		}
	}
	if !st.Version.IsZero() && st.Version != f.version {
		return &ErrVersionMismatch{Want: f.version, Got: st.Version}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Store(&flatSnapshot{ids: st.IDs, vecs: st.Vecs})
	f.seq.Store(st.Seq)
	return nil
}

// NewState returns an empty state value for snapshot decoding.
func (f *Flat) NewState() any { return &flatState{} }

// sortHits orders by similarity descending, then image id ascending.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
}
