package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/imago/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "imago.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testFP = model.Fingerprint("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func TestCreateOrGet_NewAndDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := model.UploadMeta{
		Owner:       "alice",
		ContentType: "image/png",
		Caption:     "beach sunset",
		Tags:        []string{"holiday"},
		Locator:     "blob://1",
	}

	// 1. First sight creates a pending record.
	rec, fresh, err := s.CreateOrGet(ctx, testFP, meta)
	require.NoError(t, err)
	require.True(t, fresh)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, model.StatusPending, rec.Status)
	require.Equal(t, "alice", rec.Owner)
	require.Equal(t, []string{"holiday"}, rec.Tags)

	// 2. Same fingerprint resolves to the same record, nothing recreated.
	again, fresh, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{Owner: "mallory"})
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, rec.ID, again.ID)
	require.Equal(t, "alice", again.Owner)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCreateOrGet_FailedResetsForRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, rec.ID, "embedding exploded"))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, "embedding exploded", got.FailReason)

	// Re-ingest of the same fingerprint owns a fresh pipeline run.
	reset, fresh, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, rec.ID, reset.ID)
	require.Equal(t, model.StatusPending, reset.Status)
	require.Empty(t, reset.FailReason)
}

func TestUpdateStatus_Transitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)

	// Forward-only, one step at a time.
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, model.StatusEmbedded))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, model.StatusIndexed))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, model.StatusReady))

	// Same-status update is a no-op, not an error.
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, model.StatusReady))

	// Backwards and skipping are illegal.
	require.ErrorIs(t, s.UpdateStatus(ctx, rec.ID, model.StatusPending), ErrIllegalTransition)

	// Ready is terminal: even Failed is off-limits.
	require.ErrorIs(t, s.UpdateStatus(ctx, rec.ID, model.StatusFailed), ErrIllegalTransition)
}

func TestUpdateStatus_NoSkipping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)
	require.ErrorIs(t, s.UpdateStatus(ctx, rec.ID, model.StatusReady), ErrIllegalTransition)
}

func TestGetByFingerprint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)

	got, err := s.GetByFingerprint(ctx, testFP)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)

	_, err = s.GetByFingerprint(ctx, model.Fingerprint("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetImageInfoAndModel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)

	require.NoError(t, s.SetImageInfo(ctx, rec.ID, 800, 600, 12345))
	mv := model.ModelVersion{Name: "clip", Dimension: 512}
	require.NoError(t, s.SetModel(ctx, rec.ID, mv))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 800, got.Width)
	require.Equal(t, 600, got.Height)
	require.Equal(t, int64(12345), got.SizeBytes)
	require.Equal(t, mv, got.Model)
}

func TestSetAnnotations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{
		Caption: "old caption", Tags: []string{"old"},
	})
	require.NoError(t, err)

	require.NoError(t, s.SetAnnotations(ctx, rec.ID, "new caption", []string{"fresh", "tags"}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "new caption", got.Caption)
	require.Equal(t, []string{"fresh", "tags"}, got.Tags)

	// Clearing works and nil tags stay decodable.
	require.NoError(t, s.SetAnnotations(ctx, rec.ID, "", nil))
	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, got.Caption)
	require.Empty(t, got.Tags)

	require.ErrorIs(t, s.SetAnnotations(ctx, "no-such-id", "x", nil), ErrNotFound)
}

func TestSaveSpans_Roundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)

	spans := []model.Span{
		{Text: "exit", Confidence: 0.98, Region: &model.Rect{X0: 1, Y0: 2, X1: 30, Y1: 12}},
		{Text: "open daily", Confidence: 0.71},
	}
	require.NoError(t, s.SaveSpans(ctx, rec.ID, spans))

	got, err := s.GetSpans(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, spans, got)

	// Re-saving replaces, never duplicates.
	require.NoError(t, s.SaveSpans(ctx, rec.ID, spans[:1]))
	got, err = s.GetSpans(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, spans[:1], got)
}

func TestListByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fpB := model.Fingerprint("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	recA, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{UploadedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	recB, _, err := s.CreateOrGet(ctx, fpB, model.UploadMeta{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, recB.ID, model.StatusEmbedded))

	stuck, err := s.ListByStatus(ctx, model.StatusPending, model.StatusEmbedded)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	// Oldest first.
	require.Equal(t, recA.ID, stuck[0].ID)

	pending, err := s.ListByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, recA.ID, pending[0].ID)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)
	require.NoError(t, s.SaveSpans(ctx, rec.ID, []model.Span{{Text: "x", Confidence: 1}}))

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = s.Get(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, rec.ID), ErrNotFound)

	// The fingerprint is free again after deletion.
	_, fresh, err := s.CreateOrGet(ctx, testFP, model.UploadMeta{})
	require.NoError(t, err)
	require.True(t, fresh)
}
