// Package ingest coordinates the image ingestion pipeline: fingerprint,
// dedup, decode, embed, extract text, and commit into the index
// structures, with per-fingerprint serialization and bounded-queue
// admission control.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/imago/embedding"
	"github.com/hupe1980/imago/filterindex"
	"github.com/hupe1980/imago/fingerprint"
	"github.com/hupe1980/imago/metastore"
	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/ocr"
	"github.com/hupe1980/imago/pixel"
	"github.com/hupe1980/imago/textindex"
	"github.com/hupe1980/imago/vectorindex"
)

// FetchFunc resolves a storage locator back to the original image bytes.
// Raw file storage is owned by an external collaborator; recovery needs
// this hook to resume pipelines whose bytes are no longer in memory.
type FetchFunc func(ctx context.Context, locator string) ([]byte, error)

// Options configures the coordinator.
type Options struct {
	// Workers is the number of pipeline goroutines. Defaults to GOMAXPROCS.
	Workers int

	// QueueDepth bounds the admission queue. A full queue rejects uploads
	// with ErrBusy. Defaults to 2x Workers.
	QueueDepth int

	// ConfidenceFloor drops OCR spans below this confidence before they
	// reach the full-text index.
	ConfidenceFloor float64

	// RateLimit optionally caps the upload admission rate. Nil means
	// unlimited.
	RateLimit *rate.Limiter

	// RetryBudget bounds the per-record retry time during recovery.
	RetryBudget time.Duration

	// Fetch resolves locators to bytes for the recovery pass. Without it,
	// interrupted records whose bytes are gone are marked failed.
	Fetch FetchFunc

	// Logger receives pipeline events. Defaults to a discard logger.
	Logger *slog.Logger
}

// Option customizes Options.
type Option func(*Options)

// WithWorkers sets the number of pipeline goroutines.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithQueueDepth bounds the admission queue.
func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

// WithConfidenceFloor sets the minimum OCR span confidence.
func WithConfidenceFloor(floor float64) Option {
	return func(o *Options) { o.ConfidenceFloor = floor }
}

// WithRateLimit caps the upload admission rate.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *Options) { o.RateLimit = l }
}

// WithRetryBudget bounds per-record retries during recovery.
func WithRetryBudget(d time.Duration) Option {
	return func(o *Options) { o.RetryBudget = d }
}

// WithFetch installs the locator resolver used by the recovery pass.
func WithFetch(f FetchFunc) Option {
	return func(o *Options) { o.Fetch = f }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Coordinator owns the ingestion pipeline. All mutations of the metadata
// store and the index structures flow through it, which is what makes the
// per-fingerprint exclusive section meaningful.
type Coordinator struct {
	meta      *metastore.Store
	embedder  embedding.Computer
	extractor ocr.Extractor
	vectors   vectorindex.Index
	texts     textindex.Index
	filters   *filterindex.Index

	opts   Options
	pool   *workerPool
	locks  *keyedMutex
	closed atomic.Bool
}

// New wires a coordinator over the given components.
func New(
	meta *metastore.Store,
	embedder embedding.Computer,
	extractor ocr.Extractor,
	vectors vectorindex.Index,
	texts textindex.Index,
	filters *filterindex.Index,
	optFns ...Option,
) *Coordinator {
	opts := Options{
		ConfidenceFloor: ocr.DefaultConfidenceFloor,
		RetryBudget:     2 * time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Coordinator{
		meta:      meta,
		embedder:  embedder,
		extractor: extractor,
		vectors:   vectors,
		texts:     texts,
		filters:   filters,
		opts:      opts,
		pool:      newWorkerPool(opts.Workers, opts.QueueDepth),
		locks:     newKeyedMutex(),
	}
}

type ingestResult struct {
	rec   *model.ImageRecord
	dedup bool
	err   error
}

// Ingest runs the full pipeline for one upload and returns the resulting
// record. Re-ingesting bytes already known under a non-failed record
// returns that record with dedup true, nothing recomputed. A failed
// record is reset and retried.
//
// Cancellation of ctx releases the caller but never abandons a pipeline
// that has entered its exclusive section: the record still reaches a
// terminal state.
func (c *Coordinator) Ingest(ctx context.Context, r io.Reader, meta model.UploadMeta) (*model.ImageRecord, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: read upload: %w", err)
	}
	fp := fingerprint.Sum(raw)

	if c.opts.RateLimit != nil && !c.opts.RateLimit.Allow() {
		return nil, false, ErrBusy
	}

	resCh := make(chan ingestResult, 1)
	pipelineCtx := context.WithoutCancel(ctx)

	err = c.pool.TrySubmit(func() {
		rec, dedup, err := c.ingestOne(pipelineCtx, fp, raw, meta)
		resCh <- ingestResult{rec: rec, dedup: dedup, err: err}
	})
	if err != nil {
		return nil, false, err
	}

	select {
	case res := <-resCh:
		return res.rec, res.dedup, res.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Coordinator) ingestOne(ctx context.Context, fp model.Fingerprint, raw []byte, meta model.UploadMeta) (*model.ImageRecord, bool, error) {
	unlock := c.locks.Lock(fp)
	defer unlock()

	rec, fresh, err := c.meta.CreateOrGet(ctx, fp, meta)
	if err != nil {
		return nil, false, err
	}
	if !fresh {
		c.opts.Logger.Debug("deduplicated upload",
			"image_id", rec.ID, "fingerprint", fp.Short(), "status", rec.Status)
		return rec, true, nil
	}

	c.opts.Logger.Info("ingesting image",
		"image_id", rec.ID, "fingerprint", fp.Short(), "bytes", len(raw))

	if err := c.pipeline(ctx, rec, raw); err != nil {
		c.fail(ctx, rec.ID, err)
		return nil, false, err
	}

	rec, err = c.meta.Get(ctx, rec.ID)
	return rec, false, err
}

// pipeline drives a record from its current status to Ready. Every step
// is idempotent, so the same function also serves the recovery resume
// path: steps already completed before an interruption are no-ops.
func (c *Coordinator) pipeline(ctx context.Context, rec *model.ImageRecord, raw []byte) error {
	img, err := pixel.Decode(raw)
	if err != nil {
		return &ValidationError{Reason: "undecodable image", cause: err}
	}

	if rec.Width == 0 || rec.Height == 0 {
		if err := c.meta.SetImageInfo(ctx, rec.ID, img.Width(), img.Height(), int64(len(raw))); err != nil {
			return fmt.Errorf("ingest: persist image info: %w", err)
		}
	}

	vec, err := c.embedder.Embed(ctx, img)
	if err != nil {
		return &EmbeddingError{ID: rec.ID, cause: err}
	}
	if err := c.meta.SetModel(ctx, rec.ID, vec.Version); err != nil {
		return fmt.Errorf("ingest: persist model version: %w", err)
	}
	if err := c.advance(ctx, rec, model.StatusEmbedded); err != nil {
		return err
	}

	spans := c.extractSpans(ctx, rec.ID, img)
	if err := c.meta.SaveSpans(ctx, rec.ID, spans); err != nil {
		return &IndexCommitError{ID: rec.ID, Stage: "spans", cause: err}
	}

	if err := c.vectors.Upsert(rec.ID, vec); err != nil {
		return &IndexCommitError{ID: rec.ID, Stage: "vector", cause: err}
	}
	if err := c.texts.Upsert(rec.ID, textDocument(rec, spans)); err != nil {
		return &IndexCommitError{ID: rec.ID, Stage: "text", cause: err}
	}
	if err := c.advance(ctx, rec, model.StatusIndexed); err != nil {
		return err
	}

	full, err := c.meta.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	c.filters.Upsert(full)

	if err := c.advance(ctx, rec, model.StatusReady); err != nil {
		return err
	}

	c.opts.Logger.Info("image ready",
		"image_id", rec.ID, "fingerprint", rec.Fingerprint.Short(), "spans", len(spans))
	return nil
}

// advance moves the record forward to next, skipping transitions a prior
// attempt already made.
func (c *Coordinator) advance(ctx context.Context, rec *model.ImageRecord, next model.Status) error {
	if rec.Status.AtLeast(next) {
		return nil
	}
	if err := c.meta.UpdateStatus(ctx, rec.ID, next); err != nil {
		return err
	}
	rec.Status = next
	return nil
}

// extractSpans runs OCR best-effort: an extractor failure is logged and
// yields no spans, it never fails the image. Span text is cleaned and the
// confidence floor applied before anything reaches the index.
func (c *Coordinator) extractSpans(ctx context.Context, id model.ImageID, img *pixel.Image) []model.Span {
	spans, err := c.extractor.Extract(ctx, img)
	if err != nil {
		ocrErr := &OCRError{ID: id, cause: err}
		c.opts.Logger.Warn("text extraction failed, continuing without text",
			"image_id", id, "error", ocrErr)
		return nil
	}
	for i := range spans {
		spans[i].Text = textindex.Clean(spans[i].Text)
	}
	return ocr.ApplyFloor(spans, c.opts.ConfidenceFloor)
}

// textDocument assembles the searchable document of an image: OCR spans
// plus caption and tags at full confidence.
func textDocument(rec *model.ImageRecord, spans []model.Span) []model.Span {
	doc := make([]model.Span, 0, len(spans)+1+len(rec.Tags))
	doc = append(doc, spans...)
	if caption := textindex.Clean(rec.Caption); caption != "" {
		doc = append(doc, model.Span{Text: caption, Confidence: 1.0})
	}
	for _, tag := range rec.Tags {
		if tag = textindex.Clean(tag); tag != "" {
			doc = append(doc, model.Span{Text: tag, Confidence: 1.0})
		}
	}
	return doc
}

func (c *Coordinator) fail(ctx context.Context, id model.ImageID, cause error) {
	c.opts.Logger.Error("ingestion failed", "image_id", id, "error", cause)
	if err := c.meta.MarkFailed(ctx, id, cause.Error()); err != nil {
		c.opts.Logger.Error("marking record failed", "image_id", id, "error", err)
	}
}

// UpdateAnnotations replaces the caption and tags of an image. For a
// record that already reached the index, the text document and filter
// postings are recommitted so queries see the change immediately; earlier
// statuses only persist it and the pipeline picks it up.
func (c *Coordinator) UpdateAnnotations(ctx context.Context, id model.ImageID, caption string, tags []string) (*model.ImageRecord, error) {
	rec, err := c.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(rec.Fingerprint)
	defer unlock()

	if err := c.meta.SetAnnotations(ctx, id, caption, tags); err != nil {
		return nil, err
	}
	rec, err = c.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.AtLeast(model.StatusIndexed) {
		return rec, nil
	}

	spans, err := c.meta.GetSpans(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.texts.Upsert(id, textDocument(rec, spans)); err != nil {
		return nil, &IndexCommitError{ID: id, Stage: "text", cause: err}
	}
	c.filters.Upsert(rec)

	c.opts.Logger.Info("annotations updated", "image_id", id, "tags", len(tags))
	return rec, nil
}

// Delete removes an image everywhere: metadata row, vector entry, text
// document, filter postings. Deleting an unknown id returns the metadata
// store's not-found error.
func (c *Coordinator) Delete(ctx context.Context, id model.ImageID) error {
	rec, err := c.meta.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(rec.Fingerprint)
	defer unlock()

	if err := c.meta.Delete(ctx, id); err != nil {
		return err
	}
	if err := c.vectors.Remove(id); err != nil {
		return &IndexCommitError{ID: id, Stage: "vector", cause: err}
	}
	if err := c.texts.Remove(id); err != nil {
		return &IndexCommitError{ID: id, Stage: "text", cause: err}
	}
	c.filters.Remove(id)

	c.opts.Logger.Info("image deleted", "image_id", id)
	return nil
}

// Close drains the worker pool. In-flight pipelines run to completion.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pool.Close()
	return nil
}
