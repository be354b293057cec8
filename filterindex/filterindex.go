// Package filterindex maintains a Roaring-bitmap inverted index over image
// record attributes (owner, tag, content type, creation day) so the query
// planner can apply metadata filters without touching the metadata store
// on the hot path.
package filterindex

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/imago/model"
)

const secondsPerDay = 86_400

// Index maps attribute values to bitmaps of dense local ids. Local ids are
// assigned on first upsert and never reused; the mapping back to image ids
// stays in memory alongside the bitmaps.
type Index struct {
	mu   sync.RWMutex
	next uint32

	local map[model.ImageID]uint32
	image map[uint32]model.ImageID

	owners       map[string]*roaring.Bitmap
	tags         map[string]*roaring.Bitmap
	contentTypes map[string]*roaring.Bitmap
	days         map[int64]*roaring.Bitmap
	createdAt    map[uint32]int64
}

// New creates an empty filter index.
func New() *Index {
	return &Index{
		local:        make(map[model.ImageID]uint32),
		image:        make(map[uint32]model.ImageID),
		owners:       make(map[string]*roaring.Bitmap),
		tags:         make(map[string]*roaring.Bitmap),
		contentTypes: make(map[string]*roaring.Bitmap),
		days:         make(map[int64]*roaring.Bitmap),
		createdAt:    make(map[uint32]int64),
	}
}

func dayBucket(t time.Time) int64 {
	return t.Unix() / secondsPerDay
}

func add(m map[string]*roaring.Bitmap, key string, lid uint32) {
	if key == "" {
		return
	}
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	bm.Add(lid)
}

// Upsert indexes the filterable attributes of a record, replacing any
// previous postings for the same image id.
func (x *Index) Upsert(rec *model.ImageRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if lid, ok := x.local[rec.ID]; ok {
		x.removeLocked(rec.ID, lid)
	}

	lid := x.next
	x.next++
	x.local[rec.ID] = lid
	x.image[lid] = rec.ID

	add(x.owners, rec.Owner, lid)
	add(x.contentTypes, rec.ContentType, lid)
	for _, tag := range rec.Tags {
		add(x.tags, tag, lid)
	}

	day := dayBucket(rec.CreatedAt)
	bm, ok := x.days[day]
	if !ok {
		bm = roaring.New()
		x.days[day] = bm
	}
	bm.Add(lid)
	x.createdAt[lid] = rec.CreatedAt.Unix()
}

// Remove drops all postings of an image. Removing an absent id is a no-op.
func (x *Index) Remove(id model.ImageID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if lid, ok := x.local[id]; ok {
		x.removeLocked(id, lid)
	}
}

func (x *Index) removeLocked(id model.ImageID, lid uint32) {
	for _, m := range []map[string]*roaring.Bitmap{x.owners, x.tags, x.contentTypes} {
		for key, bm := range m {
			bm.Remove(lid)
			if bm.IsEmpty() {
				delete(m, key)
			}
		}
	}
	for day, bm := range x.days {
		bm.Remove(lid)
		if bm.IsEmpty() {
			delete(x.days, day)
		}
	}
	delete(x.createdAt, lid)
	delete(x.local, id)
	delete(x.image, lid)
}

// union ORs the bitmaps of the requested values. A value with no postings
// contributes nothing.
func union(m map[string]*roaring.Bitmap, values []string) *roaring.Bitmap {
	out := roaring.New()
	for _, v := range values {
		if bm, ok := m[v]; ok {
			out.Or(bm)
		}
	}
	return out
}

// Predicate compiles filters into a membership test over image ids.
// Returns nil when the filters are empty (admit everything).
//
// Semantics: AND across filter fields, OR within a field's values. The
// returned predicate captures an immutable bitmap, so concurrent index
// mutations do not affect an in-flight query.
func (x *Index) Predicate(f model.Filters) func(model.ImageID) bool {
	if f.IsZero() {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var acc *roaring.Bitmap
	intersect := func(bm *roaring.Bitmap) {
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
		}
	}

	if len(f.Owners) > 0 {
		intersect(union(x.owners, f.Owners))
	}
	if len(f.Tags) > 0 {
		intersect(union(x.tags, f.Tags))
	}
	if len(f.ContentTypes) > 0 {
		intersect(union(x.contentTypes, f.ContentTypes))
	}
	if !f.After.IsZero() || !f.Before.IsZero() {
		intersect(x.dateRangeLocked(f.After, f.Before))
	}

	members := make(map[model.ImageID]struct{}, acc.GetCardinality())
	it := acc.Iterator()
	for it.HasNext() {
		if id, ok := x.image[it.Next()]; ok {
			members[id] = struct{}{}
		}
	}

	return func(id model.ImageID) bool {
		_, ok := members[id]
		return ok
	}
}

// dateRangeLocked ORs the day buckets overlapping [after, before] and then
// trims boundary-day entries against exact timestamps.
func (x *Index) dateRangeLocked(after, before time.Time) *roaring.Bitmap {
	out := roaring.New()

	lo := int64(-1 << 62)
	hi := int64(1<<62 - 1)
	if !after.IsZero() {
		lo = dayBucket(after)
	}
	if !before.IsZero() {
		hi = dayBucket(before)
	}

	for day, bm := range x.days {
		if day >= lo && day <= hi {
			out.Or(bm)
		}
	}

	// Exact trim on the boundary days.
	it := out.Iterator()
	var drop []uint32
	for it.HasNext() {
		lid := it.Next()
		ts := x.createdAt[lid]
		if !after.IsZero() && ts < after.Unix() {
			drop = append(drop, lid)
		}
		if !before.IsZero() && ts > before.Unix() {
			drop = append(drop, lid)
		}
	}
	for _, lid := range drop {
		out.Remove(lid)
	}
	return out
}

// Len returns the number of indexed records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.local)
}
