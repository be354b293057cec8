package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/imago/embedding"
	"github.com/hupe1980/imago/filterindex"
	"github.com/hupe1980/imago/metastore"
	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/ocr"
	"github.com/hupe1980/imago/pixel"
	"github.com/hupe1980/imago/textindex"
	"github.com/hupe1980/imago/vectorindex"
)

func encodePNG(t *testing.T, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// countingComputer counts image embeddings to verify dedup skips the
// expensive step.
type countingComputer struct {
	embedding.Computer
	calls atomic.Int64
}

func (c *countingComputer) Embed(ctx context.Context, img *pixel.Image) (model.Vector, error) {
	c.calls.Add(1)
	return c.Computer.Embed(ctx, img)
}

type testRig struct {
	meta     *metastore.Store
	embedder *countingComputer
	vectors  vectorindex.Index
	texts    textindex.Index
	filters  *filterindex.Index
	coord    *Coordinator
}

func newTestRig(t *testing.T, extractor ocr.Extractor, optFns ...Option) *testRig {
	t.Helper()

	meta, err := metastore.Open(filepath.Join(t.TempDir(), "imago.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	inner, err := embedding.NewDeterministic(32)
	require.NoError(t, err)
	embedder := &countingComputer{Computer: inner}

	if extractor == nil {
		extractor = ocr.NewNoop()
	}

	vectors := vectorindex.NewFlat(inner.Version())
	texts := textindex.NewMemory()
	filters := filterindex.New()

	coord := New(meta, embedder, extractor, vectors, texts, filters, optFns...)
	t.Cleanup(func() { coord.Close() })

	return &testRig{
		meta:     meta,
		embedder: embedder,
		vectors:  vectors,
		texts:    texts,
		filters:  filters,
		coord:    coord,
	}
}

func TestCoordinator_IngestToReady(t *testing.T) {
	extractor := &ocr.Static{Spans: []model.Span{
		{Text: "EXIT  sign", Confidence: 0.9},
		{Text: "too shaky to keep", Confidence: 0.2},
	}}
	rig := newTestRig(t, extractor)
	ctx := context.Background()

	raw := encodePNG(t, color.RGBA{R: 255, A: 255})
	rec, dedup, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), model.UploadMeta{
		Owner:       "alice",
		ContentType: "image/png",
		Caption:     "emergency exit",
		Tags:        []string{"building"},
	})
	require.NoError(t, err)
	require.False(t, dedup)
	require.Equal(t, model.StatusReady, rec.Status)
	require.Equal(t, 4, rec.Width)
	require.Equal(t, 4, rec.Height)
	require.Equal(t, int64(len(raw)), rec.SizeBytes)
	require.False(t, rec.Model.IsZero())

	// Vector committed.
	_, ok := rig.vectors.Get(rec.ID)
	require.True(t, ok)

	// Low-confidence span filtered before persistence and indexing.
	spans, err := rig.meta.GetSpans(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, "EXIT sign", spans[0].Text)

	// OCR text, caption and tags are all searchable.
	for _, q := range []string{"exit", "emergency", "building"} {
		hits, err := rig.texts.Search(ctx, q, 10)
		require.NoError(t, err)
		require.Len(t, hits, 1, "query %q", q)
		require.Equal(t, rec.ID, hits[0].ID)
	}

	// Filter postings in place.
	pred := rig.filters.Predicate(model.Filters{Owners: []string{"alice"}})
	require.True(t, pred(rec.ID))
}

func TestCoordinator_DoubleIngestIsIdempotent(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	raw := encodePNG(t, color.RGBA{G: 255, A: 255})

	first, dedup, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), model.UploadMeta{Owner: "alice"})
	require.NoError(t, err)
	require.False(t, dedup)

	second, dedup, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), model.UploadMeta{Owner: "bob"})
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, first.ID, second.ID)

	// Nothing recomputed, nothing duplicated.
	require.Equal(t, int64(1), rig.embedder.calls.Load())
	count, err := rig.meta.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 1, rig.vectors.Len())
}

func TestCoordinator_ConcurrentDuplicateUploads(t *testing.T) {
	rig := newTestRig(t, nil, WithWorkers(8), WithQueueDepth(32))
	ctx := context.Background()

	raw := encodePNG(t, color.RGBA{B: 255, A: 255})

	const uploads = 8
	ids := make([]model.ImageID, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), model.UploadMeta{})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		require.Equal(t, ids[0], id)
	}

	// Exactly one pipeline ran.
	require.Equal(t, int64(1), rig.embedder.calls.Load())
	count, err := rig.meta.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCoordinator_UndecodableInputFails(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	garbage := []byte("this is not an image")
	_, _, err := rig.coord.Ingest(ctx, bytes.NewReader(garbage), model.UploadMeta{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// The record exists, failed, with a reason.
	recs, err := rig.meta.ListByStatus(ctx, model.StatusFailed)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotEmpty(t, recs[0].FailReason)

	// Re-ingesting the same bytes owns a fresh attempt (and fails again).
	_, _, err = rig.coord.Ingest(ctx, bytes.NewReader(garbage), model.UploadMeta{})
	require.ErrorAs(t, err, &verr)
}

type failingComputer struct {
	embedding.Computer
	failRaw []byte
}

func (f *failingComputer) Embed(ctx context.Context, img *pixel.Image) (model.Vector, error) {
	if bytes.Equal(img.Raw, f.failRaw) {
		return model.Vector{}, errors.New("model overload")
	}
	return f.Computer.Embed(ctx, img)
}

func TestCoordinator_EmbeddingFailureScopedToOneImage(t *testing.T) {
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "imago.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	inner, err := embedding.NewDeterministic(32)
	require.NoError(t, err)

	badRaw := encodePNG(t, color.RGBA{R: 1, A: 255})
	goodRaw := encodePNG(t, color.RGBA{R: 2, A: 255})

	embedder := &failingComputer{Computer: inner, failRaw: badRaw}
	coord := New(meta, embedder, ocr.NewNoop(),
		vectorindex.NewFlat(inner.Version()), textindex.NewMemory(), filterindex.New())
	t.Cleanup(func() { coord.Close() })

	ctx := context.Background()

	_, _, err = coord.Ingest(ctx, bytes.NewReader(badRaw), model.UploadMeta{})
	var eerr *EmbeddingError
	require.ErrorAs(t, err, &eerr)

	// The poisoned image never blocks its neighbors.
	rec, _, err := coord.Ingest(ctx, bytes.NewReader(goodRaw), model.UploadMeta{})
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, rec.Status)
}

func TestCoordinator_OCRFailureIsBestEffort(t *testing.T) {
	rig := newTestRig(t, &ocr.Static{Err: errors.New("engine crashed")})
	ctx := context.Background()

	rec, _, err := rig.coord.Ingest(ctx,
		bytes.NewReader(encodePNG(t, color.RGBA{R: 9, A: 255})), model.UploadMeta{})
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, rec.Status)

	spans, err := rig.meta.GetSpans(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, spans)
}

func TestCoordinator_NoTextImageIsReadyButUnsearchable(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rec, _, err := rig.coord.Ingest(ctx,
		bytes.NewReader(encodePNG(t, color.RGBA{R: 7, A: 255})), model.UploadMeta{})
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, rec.Status)

	// Present in the vector index, absent from text-only search.
	_, ok := rig.vectors.Get(rec.ID)
	require.True(t, ok)

	hits, err := rig.texts.Search(ctx, "anything", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

// blockingComputer holds every Embed until released.
type blockingComputer struct {
	embedding.Computer
	release chan struct{}
}

func (b *blockingComputer) Embed(ctx context.Context, img *pixel.Image) (model.Vector, error) {
	<-b.release
	return b.Computer.Embed(ctx, img)
}

func TestCoordinator_AdmissionControlRejectsWhenFull(t *testing.T) {
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "imago.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	inner, err := embedding.NewDeterministic(32)
	require.NoError(t, err)
	embedder := &blockingComputer{Computer: inner, release: make(chan struct{})}

	coord := New(meta, embedder, ocr.NewNoop(),
		vectorindex.NewFlat(inner.Version()), textindex.NewMemory(), filterindex.New(),
		WithWorkers(1), WithQueueDepth(1))

	ctx := context.Background()
	done := make(chan struct{}, 2)

	// One upload occupies the worker, one fills the queue.
	for i := 0; i < 2; i++ {
		raw := encodePNG(t, color.RGBA{R: uint8(i), A: 255})
		go func() {
			defer func() { done <- struct{}{} }()
			_, _, _ = coord.Ingest(ctx, bytes.NewReader(raw), model.UploadMeta{})
		}()
	}
	time.Sleep(100 * time.Millisecond)

	// The third caller is rejected, not queued forever.
	_, _, err = coord.Ingest(ctx,
		bytes.NewReader(encodePNG(t, color.RGBA{R: 200, A: 255})), model.UploadMeta{})
	require.ErrorIs(t, err, ErrBusy)

	close(embedder.release)
	<-done
	<-done
	require.NoError(t, coord.Close())

	_, _, err = coord.Ingest(ctx,
		bytes.NewReader(encodePNG(t, color.RGBA{R: 201, A: 255})), model.UploadMeta{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCoordinator_CancellationDoesNotAbandonPipeline(t *testing.T) {
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "imago.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	inner, err := embedding.NewDeterministic(32)
	require.NoError(t, err)
	embedder := &blockingComputer{Computer: inner, release: make(chan struct{})}

	coord := New(meta, embedder, ocr.NewNoop(),
		vectorindex.NewFlat(inner.Version()), textindex.NewMemory(), filterindex.New())
	t.Cleanup(func() { coord.Close() })

	raw := encodePNG(t, color.RGBA{R: 123, A: 255})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := coord.Ingest(ctx, bytes.NewReader(raw), model.UploadMeta{})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The pipeline still runs to its terminal state.
	close(embedder.release)
	require.Eventually(t, func() bool {
		recs, err := meta.ListByStatus(context.Background(), model.StatusReady)
		return err == nil && len(recs) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_UpdateAnnotations(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rec, _, err := rig.coord.Ingest(ctx,
		bytes.NewReader(encodePNG(t, color.RGBA{R: 60, A: 255})),
		model.UploadMeta{Owner: "alice", Caption: "winter cabin"})
	require.NoError(t, err)

	updated, err := rig.coord.UpdateAnnotations(ctx, rec.ID, "summer meadow", []string{"landscape"})
	require.NoError(t, err)
	require.Equal(t, "summer meadow", updated.Caption)
	require.Equal(t, []string{"landscape"}, updated.Tags)

	// The text document was recommitted: new caption and tag hit, old
	// caption gone.
	for _, q := range []string{"summer meadow", "landscape"} {
		hits, err := rig.texts.Search(ctx, q, 10)
		require.NoError(t, err)
		require.Len(t, hits, 1, "query %q", q)
	}
	hits, err := rig.texts.Search(ctx, "winter cabin", 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	// Filter postings follow the new tags.
	pred := rig.filters.Predicate(model.Filters{Tags: []string{"landscape"}})
	require.True(t, pred(rec.ID))

	_, err = rig.coord.UpdateAnnotations(ctx, "no-such-id", "x", nil)
	require.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestCoordinator_Delete(t *testing.T) {
	rig := newTestRig(t, &ocr.Static{Spans: []model.Span{{Text: "receipt total", Confidence: 0.9}}})
	ctx := context.Background()

	rec, _, err := rig.coord.Ingest(ctx,
		bytes.NewReader(encodePNG(t, color.RGBA{R: 50, A: 255})), model.UploadMeta{Owner: "alice"})
	require.NoError(t, err)

	require.NoError(t, rig.coord.Delete(ctx, rec.ID))

	_, err = rig.meta.Get(ctx, rec.ID)
	require.ErrorIs(t, err, metastore.ErrNotFound)
	_, ok := rig.vectors.Get(rec.ID)
	require.False(t, ok)

	hits, err := rig.texts.Search(ctx, "receipt", 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	require.ErrorIs(t, rig.coord.Delete(ctx, rec.ID), metastore.ErrNotFound)
}
