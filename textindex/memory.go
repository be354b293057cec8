package textindex

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/hupe1980/imago/model"
)

var errBadState = errors.New("textindex: incompatible snapshot state")

// BM25 parameters.
const (
	k1 = 1.2
	b  = 0.75
)

type posting struct {
	ID model.ImageID `json:"id"`
	// Weight is the confidence-weighted term frequency of the term in the
	// document: each occurrence contributes its span's confidence instead
	// of a flat 1. Captions and tags are indexed at confidence 1.
	Weight float64 `json:"weight"`
}

// MemoryIndex is an in-memory, confidence-weighted BM25 index.
// Safe for concurrent use: writers take the exclusive lock for the short
// posting-list splice, readers share the lock during scoring.
type MemoryIndex struct {
	mu          sync.RWMutex
	inverted    map[string][]posting
	docLengths  map[model.ImageID]float64
	totalLength float64
}

// NewMemory creates an empty MemoryIndex.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{
		inverted:   make(map[string][]posting),
		docLengths: make(map[model.ImageID]float64),
	}
}

var _ Index = (*MemoryIndex)(nil)

// Upsert indexes the spans of an image, replacing any prior document.
// An empty span set removes the document: the image simply has no text.
func (idx *MemoryIndex) Upsert(id model.ImageID, spans []model.Span) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docLengths[id]; ok {
		idx.removeLocked(id)
	}
	if len(spans) == 0 {
		return nil
	}

	weights := make(map[string]float64)
	var length float64
	for _, s := range spans {
		conf := s.Confidence
		if conf <= 0 {
			continue
		}
		if conf > 1 {
			conf = 1
		}
		for _, tok := range Tokenize(Clean(s.Text)) {
			weights[tok] += conf
			length += conf
		}
	}
	if length == 0 {
		return nil
	}

	idx.docLengths[id] = length
	idx.totalLength += length
	for tok, w := range weights {
		idx.inverted[tok] = append(idx.inverted[tok], posting{ID: id, Weight: w})
	}
	return nil
}

// Remove deletes an image's document. Removing an absent id is a no-op.
func (idx *MemoryIndex) Remove(id model.ImageID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	return nil
}

func (idx *MemoryIndex) removeLocked(id model.ImageID) {
	length, ok := idx.docLengths[id]
	if !ok {
		return
	}
	for tok, postings := range idx.inverted {
		for i, p := range postings {
			if p.ID == id {
				postings = append(postings[:i], postings[i+1:]...)
				if len(postings) == 0 {
					delete(idx.inverted, tok)
				} else {
					idx.inverted[tok] = postings
				}
				break
			}
		}
	}
	delete(idx.docLengths, id)
	idx.totalLength -= length
}

// Search runs a token query and returns up to k hits ordered by descending
// relevance, ties broken by image id ascending for determinism.
func (idx *MemoryIndex) Search(ctx context.Context, text string, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docCount := len(idx.docLengths)
	if docCount == 0 {
		return nil, nil
	}
	avgDL := idx.totalLength / float64(docCount)

	scores := make(map[model.ImageID]float64)
	for _, tok := range Tokenize(text) {
		postings, ok := idx.inverted[tok]
		if !ok {
			continue
		}
		idf := idf(docCount, len(postings))
		for _, p := range postings {
			tf := p.Weight
			docLen := idx.docLengths[p.ID]
			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[p.ID] += idf * (num / denom)
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Relevance: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Relevance != hits[j].Relevance {
			return hits[i].Relevance > hits[j].Relevance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// idf = log(1 + (N - n + 0.5) / (n + 0.5))
func idf(docCount, df int) float64 {
	n := float64(df)
	return math.Log(1 + (float64(docCount)-n+0.5)/(n+0.5))
}

// Len returns the number of indexed documents.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLengths)
}

// Close releases index resources.
func (idx *MemoryIndex) Close() error { return nil }

// state is the serializable snapshot of the index.
type state struct {
	Inverted   map[string][]posting      `json:"inverted"`
	DocLengths map[model.ImageID]float64 `json:"doc_lengths"`
	Total      float64                   `json:"total_length"`
}

// State returns a deep copy of the index contents for segment persistence.
func (idx *MemoryIndex) State() any {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	st := state{
		Inverted:   make(map[string][]posting, len(idx.inverted)),
		DocLengths: make(map[model.ImageID]float64, len(idx.docLengths)),
		Total:      idx.totalLength,
	}
	for tok, postings := range idx.inverted {
		cp := make([]posting, len(postings))
		copy(cp, postings)
		st.Inverted[tok] = cp
	}
	for id, l := range idx.docLengths {
		st.DocLengths[id] = l
	}
	return st
}

// Restore replaces the index contents with a previously persisted state.
func (idx *MemoryIndex) Restore(v any) error {
	st, ok := v.(*state)
	if !ok {
		if s, ok2 := v.(state); ok2 {
			st = &s
		} else {
			return errBadState
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.inverted = st.Inverted
	if idx.inverted == nil {
		idx.inverted = make(map[string][]posting)
	}
	idx.docLengths = st.DocLengths
	if idx.docLengths == nil {
		idx.docLengths = make(map[model.ImageID]float64)
	}
	idx.totalLength = st.Total
	return nil
}

// NewState returns an empty state value for snapshot decoding.
func (idx *MemoryIndex) NewState() any { return &state{} }
