package filterindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/imago/model"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func testRecords(t *testing.T) []*model.ImageRecord {
	t.Helper()
	return []*model.ImageRecord{
		{
			ID: "img-a", Owner: "alice", ContentType: "image/png",
			Tags: []string{"holiday", "beach"}, CreatedAt: day(t, "2026-01-10T12:00:00Z"),
		},
		{
			ID: "img-b", Owner: "alice", ContentType: "image/jpeg",
			Tags: []string{"work"}, CreatedAt: day(t, "2026-02-20T08:30:00Z"),
		},
		{
			ID: "img-c", Owner: "bob", ContentType: "image/png",
			Tags: []string{"holiday"}, CreatedAt: day(t, "2026-03-05T22:15:00Z"),
		},
	}
}

func matches(x *Index, f model.Filters, ids ...model.ImageID) map[model.ImageID]bool {
	pred := x.Predicate(f)
	out := make(map[model.ImageID]bool, len(ids))
	for _, id := range ids {
		out[id] = pred(id)
	}
	return out
}

func TestIndex_OwnerAndContentType(t *testing.T) {
	x := New()
	for _, rec := range testRecords(t) {
		x.Upsert(rec)
	}
	require.Equal(t, 3, x.Len())

	got := matches(x, model.Filters{Owners: []string{"alice"}}, "img-a", "img-b", "img-c")
	require.Equal(t, map[model.ImageID]bool{"img-a": true, "img-b": true, "img-c": false}, got)

	// AND across fields.
	got = matches(x, model.Filters{
		Owners:       []string{"alice"},
		ContentTypes: []string{"image/png"},
	}, "img-a", "img-b", "img-c")
	require.Equal(t, map[model.ImageID]bool{"img-a": true, "img-b": false, "img-c": false}, got)
}

func TestIndex_TagsOrWithin(t *testing.T) {
	x := New()
	for _, rec := range testRecords(t) {
		x.Upsert(rec)
	}

	// OR within a field's values.
	got := matches(x, model.Filters{Tags: []string{"beach", "work"}}, "img-a", "img-b", "img-c")
	require.Equal(t, map[model.ImageID]bool{"img-a": true, "img-b": true, "img-c": false}, got)
}

func TestIndex_DateRange(t *testing.T) {
	x := New()
	for _, rec := range testRecords(t) {
		x.Upsert(rec)
	}

	got := matches(x, model.Filters{
		After:  day(t, "2026-02-01T00:00:00Z"),
		Before: day(t, "2026-02-28T00:00:00Z"),
	}, "img-a", "img-b", "img-c")
	require.Equal(t, map[model.ImageID]bool{"img-a": false, "img-b": true, "img-c": false}, got)

	// Same-day boundary: the exact timestamp decides, not the day bucket.
	got = matches(x, model.Filters{
		After: day(t, "2026-01-10T13:00:00Z"),
	}, "img-a", "img-b", "img-c")
	require.Equal(t, map[model.ImageID]bool{"img-a": false, "img-b": true, "img-c": true}, got)
}

func TestIndex_EmptyFiltersAdmitEverything(t *testing.T) {
	x := New()
	require.Nil(t, x.Predicate(model.Filters{}))
}

func TestIndex_UpsertReplacesAndRemove(t *testing.T) {
	x := New()
	recs := testRecords(t)
	for _, rec := range recs {
		x.Upsert(rec)
	}

	// Re-upsert with changed owner: old postings are gone.
	moved := *recs[0]
	moved.Owner = "carol"
	x.Upsert(&moved)
	require.Equal(t, 3, x.Len())

	got := matches(x, model.Filters{Owners: []string{"alice"}}, "img-a", "img-b")
	require.Equal(t, map[model.ImageID]bool{"img-a": false, "img-b": true}, got)
	got = matches(x, model.Filters{Owners: []string{"carol"}}, "img-a")
	require.Equal(t, map[model.ImageID]bool{"img-a": true}, got)

	x.Remove("img-a")
	x.Remove("img-a") // absent id is a no-op
	require.Equal(t, 2, x.Len())
	got = matches(x, model.Filters{Owners: []string{"carol"}}, "img-a")
	require.Equal(t, map[model.ImageID]bool{"img-a": false}, got)
}

// A compiled predicate is a stable view: index mutations after Predicate
// must not change an in-flight query's filter decisions.
func TestIndex_PredicateIsImmutable(t *testing.T) {
	x := New()
	recs := testRecords(t)
	for _, rec := range recs {
		x.Upsert(rec)
	}

	pred := x.Predicate(model.Filters{Owners: []string{"alice"}})
	require.True(t, pred("img-a"))

	x.Remove("img-a")
	require.True(t, pred("img-a"), "predicate must keep its snapshot")
}
