// Package imago is an embedded ingest-and-index core for image search.
//
// It turns user-uploaded images into searchable records:
//
//   - content-addressed deduplication (SHA-256 fingerprint)
//   - embedding vectors for visual and cross-modal similarity
//   - best-effort OCR text for full-text search
//   - metadata filters (owner, tags, content type, date range)
//
// and answers hybrid queries that fuse vector similarity and full-text
// relevance into one ranked list.
//
// The engine is a library, not a service: external collaborators hand it
// a validated byte stream plus metadata and consume its outputs directly.
// Raw file storage, HTTP routing, and authorization live outside.
//
// # Quick start
//
//	embedder, _ := embedding.NewDeterministic(128)
//	meta, _ := metastore.Open("imago.db")
//	eng, err := imago.New(meta, embedder, ocr.NewNoop())
//	if err != nil {
//	    panic(err)
//	}
//	defer eng.Close()
//
//	rec, err := eng.Ingest(ctx, bytes.NewReader(upload), model.UploadMeta{
//	    Owner:       "alice",
//	    ContentType: "image/png",
//	    Tags:        []string{"holiday"},
//	})
//
//	results, err := eng.Query(ctx, model.QueryRequest{
//	    Text: "sunset over water",
//	    K:    10,
//	})
package imago

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hupe1980/imago/embedding"
	"github.com/hupe1980/imago/filterindex"
	"github.com/hupe1980/imago/ingest"
	"github.com/hupe1980/imago/metastore"
	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/ocr"
	"github.com/hupe1980/imago/pixel"
	"github.com/hupe1980/imago/query"
	"github.com/hupe1980/imago/textindex"
	"github.com/hupe1980/imago/vectorindex"
)

// Engine wires the pipeline components together and is the single entry
// point of the module. Safe for concurrent use.
type Engine struct {
	meta        *metastore.Store
	embedder    embedding.Computer
	extractor   ocr.Extractor
	vectors     *swapIndex
	texts       textindex.Index
	filters     *filterindex.Index
	coordinator *ingest.Coordinator
	planner     *query.Planner

	opts   options
	closed atomic.Bool
}

// New creates an engine over the given metadata store, embedding
// computer, and text extractor. A nil extractor disables OCR.
func New(meta *metastore.Store, embedder embedding.Computer, extractor ocr.Extractor, optFns ...Option) (*Engine, error) {
	if meta == nil {
		return nil, errors.New("imago: metadata store is required")
	}
	if embedder == nil {
		return nil, errors.New("imago: embedding computer is required")
	}
	if extractor == nil {
		extractor = ocr.NewNoop()
	}

	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	version := embedder.Version()
	if opts.vectors == nil {
		opts.vectors = vectorindex.NewHNSW(version, opts.hnswOpts...)
	}
	if got := opts.vectors.Version(); got != version {
		return nil, fmt.Errorf("%w: index %s, embedder %s", ErrModelMismatch, got, version)
	}
	if opts.texts == nil {
		opts.texts = textindex.NewMemory()
	}

	e := &Engine{
		meta:      meta,
		embedder:  embedder,
		extractor: extractor,
		vectors:   newSwapIndex(opts.vectors),
		texts:     opts.texts,
		filters:   filterindex.New(),
		opts:      opts,
	}

	e.coordinator = ingest.New(meta, embedder, extractor, e.vectors, e.texts, e.filters,
		ingest.WithWorkers(opts.workers),
		ingest.WithQueueDepth(opts.queueDepth),
		ingest.WithConfidenceFloor(opts.confidenceFloor),
		ingest.WithRateLimit(opts.rateLimit),
		ingest.WithRetryBudget(opts.retryBudget),
		ingest.WithFetch(opts.fetch),
		ingest.WithLogger(opts.logger.Logger),
	)
	e.planner = query.New(embedder, e.vectors, e.texts, e.filters,
		query.WithWeights(opts.vectorWeight, opts.textWeight),
		query.WithOverfetch(opts.overfetch),
		query.WithSubSearchTimeout(opts.subSearchTimeout),
		query.WithLogger(opts.logger.Logger),
	)

	return e, nil
}

// Ingest runs the full pipeline for one upload. See
// ingest.Coordinator.Ingest for the dedup, admission, and failure
// semantics.
func (e *Engine) Ingest(ctx context.Context, r io.Reader, meta model.UploadMeta) (*model.ImageRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	rec, dedup, err := e.coordinator.Ingest(ctx, r, meta)
	err = translateError(err)

	e.opts.metrics.RecordIngest(time.Since(start), dedup, err)
	e.opts.logger.LogIngest(ctx, rec, err)
	return rec, err
}

// Query runs a hybrid search. See query.Planner.Query for the fan-out,
// degradation, and fusion semantics.
func (e *Engine) Query(ctx context.Context, req model.QueryRequest) ([]model.ResultItem, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	items, err := e.planner.Query(ctx, req)
	err = translateError(err)

	e.opts.metrics.RecordQuery(req.K, time.Since(start), err)
	e.opts.logger.LogQuery(ctx, req.K, len(items), err)
	return items, err
}

// Get returns the record of an image.
func (e *Engine) Get(ctx context.Context, id model.ImageID) (*model.ImageRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := e.meta.Get(ctx, id)
	return rec, translateError(err)
}

// GetSpans returns the stored OCR spans of an image.
func (e *Engine) GetSpans(ctx context.Context, id model.ImageID) ([]model.Span, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	spans, err := e.meta.GetSpans(ctx, id)
	return spans, translateError(err)
}

// UpdateAnnotations replaces the caption and tags of an image. Indexed
// records are recommitted to the text and filter indexes immediately.
func (e *Engine) UpdateAnnotations(ctx context.Context, id model.ImageID, caption string, tags []string) (*model.ImageRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := e.coordinator.UpdateAnnotations(ctx, id, caption, tags)
	return rec, translateError(err)
}

// Delete removes an image everywhere: metadata, vector entry, text
// document, filter postings. Deletion is always explicit; nothing in the
// engine deletes silently.
func (e *Engine) Delete(ctx context.Context, id model.ImageID) error {
	if e.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	err := translateError(e.coordinator.Delete(ctx, id))

	e.opts.metrics.RecordDelete(time.Since(start), err)
	e.opts.logger.LogDelete(ctx, id, err)
	return err
}

// Recover drives interrupted ingestions to a terminal state. Call it
// once after LoadSnapshot on startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	start := time.Now()
	recovered, err := e.coordinator.Recover(ctx)

	e.opts.metrics.RecordRecovery(recovered, time.Since(start))
	e.opts.logger.LogRecovery(ctx, recovered, err)
	return recovered, err
}

// Rebuild re-embeds every ready record with the current embedding model
// into a fresh vector arena and swaps it in atomically. Required after a
// model version change; queries keep running against the old arena until
// the swap.
func (e *Engine) Rebuild(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opts.fetch == nil {
		return errors.New("imago: rebuild requires a fetch hook, see WithFetch")
	}

	recs, err := e.meta.ListByStatus(ctx, model.StatusReady)
	if err != nil {
		return err
	}

	version := e.embedder.Version()
	fresh := vectorindex.NewHNSW(version, e.opts.hnswOpts...)

	e.opts.logger.Info("rebuild started", "records", len(recs), "model", version.String())

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := e.opts.fetch(ctx, rec.Locator)
		if err != nil {
			return fmt.Errorf("imago: rebuild fetch %s: %w", rec.ID, err)
		}
		img, err := pixel.Decode(raw)
		if err != nil {
			return fmt.Errorf("imago: rebuild decode %s: %w", rec.ID, err)
		}
		vec, err := e.embedder.Embed(ctx, img)
		if err != nil {
			return fmt.Errorf("imago: rebuild embed %s: %w", rec.ID, err)
		}
		if err := fresh.Upsert(rec.ID, vec); err != nil {
			return fmt.Errorf("imago: rebuild index %s: %w", rec.ID, err)
		}
		if err := e.meta.SetModel(ctx, rec.ID, version); err != nil {
			return err
		}
	}

	old := e.vectors.swap(fresh)
	if err := old.Close(); err != nil {
		e.opts.logger.Warn("closing replaced vector arena", "error", err)
	}

	e.opts.logger.Info("rebuild finished", "records", len(recs), "model", version.String())
	return nil
}

// Close shuts the engine down: the ingest pool drains, then every
// component is released. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := []error{
		e.coordinator.Close(),
		e.embedder.Close(),
		e.extractor.Close(),
		e.vectors.Close(),
		e.texts.Close(),
		e.meta.Close(),
	}
	return errors.Join(errs...)
}
