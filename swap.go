package imago

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/vectorindex"
)

// swapIndex is a vector index whose backing arena can be replaced
// atomically. Rebuild constructs a fresh index for the new model version
// off to the side and swaps it in; in-flight searches finish against the
// arena they started on.
type swapIndex struct {
	cur atomic.Pointer[vectorindex.Index]
}

func newSwapIndex(idx vectorindex.Index) *swapIndex {
	s := &swapIndex{}
	s.cur.Store(&idx)
	return s
}

var _ vectorindex.Index = (*swapIndex)(nil)

func (s *swapIndex) get() vectorindex.Index { return *s.cur.Load() }

// swap replaces the backing arena and returns the previous one.
func (s *swapIndex) swap(idx vectorindex.Index) vectorindex.Index {
	old := s.cur.Swap(&idx)
	return *old
}

func (s *swapIndex) Upsert(id model.ImageID, vec model.Vector) error { return s.get().Upsert(id, vec) }

func (s *swapIndex) Remove(id model.ImageID) error { return s.get().Remove(id) }

func (s *swapIndex) Search(ctx context.Context, query []float32, k int, filter vectorindex.FilterFunc) ([]vectorindex.Hit, error) {
	return s.get().Search(ctx, query, k, filter)
}

func (s *swapIndex) Get(id model.ImageID) (model.Vector, bool) { return s.get().Get(id) }

func (s *swapIndex) Len() int { return s.get().Len() }

func (s *swapIndex) Seq() uint64 { return s.get().Seq() }

func (s *swapIndex) Version() model.ModelVersion { return s.get().Version() }

func (s *swapIndex) State() any { return s.get().State() }

func (s *swapIndex) Restore(v any) error { return s.get().Restore(v) }

func (s *swapIndex) NewState() any { return s.get().NewState() }

func (s *swapIndex) Close() error { return s.get().Close() }
