// Package query plans and executes hybrid searches: vector similarity and
// full-text relevance fan out concurrently, fuse into one normalized
// ranking, and metadata filters trim the result last.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/imago/embedding"
	"github.com/hupe1980/imago/filterindex"
	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/textindex"
	"github.com/hupe1980/imago/vectorindex"
)

var (
	// ErrInvalidRequest is returned for a request with no modality or a
	// non-positive k.
	ErrInvalidRequest = errors.New("query: request needs positive k and at least one of text or reference image")

	// ErrRefNotFound is returned when the reference image has no committed
	// vector.
	ErrRefNotFound = errors.New("query: reference image not found")

	// ErrTimeout is returned when every supplied modality timed out.
	ErrTimeout = errors.New("query: sub-searches timed out")
)

// Options configures the planner.
type Options struct {
	// VectorWeight and TextWeight are the default fusion weights used when
	// a request does not set its own.
	VectorWeight float64
	TextWeight   float64

	// Overfetch multiplies k for the sub-searches, so fusion and filtering
	// have enough candidates to fill the final page.
	Overfetch int

	// SubSearchTimeout bounds each modality. A timed-out modality degrades
	// to the other instead of failing the query.
	SubSearchTimeout time.Duration

	// Logger receives planner events. Defaults to a discard logger.
	Logger *slog.Logger
}

// Option customizes Options.
type Option func(*Options)

// WithWeights sets the default fusion weights.
func WithWeights(vector, text float64) Option {
	return func(o *Options) {
		o.VectorWeight = vector
		o.TextWeight = text
	}
}

// WithOverfetch sets the sub-search candidate multiplier.
func WithOverfetch(factor int) Option {
	return func(o *Options) { o.Overfetch = factor }
}

// WithSubSearchTimeout bounds each modality.
func WithSubSearchTimeout(d time.Duration) Option {
	return func(o *Options) { o.SubSearchTimeout = d }
}

// WithLogger sets the planner logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Planner executes hybrid queries over the committed index structures.
type Planner struct {
	embedder embedding.Computer
	vectors  vectorindex.Index
	texts    textindex.Index
	filters  *filterindex.Index
	opts     Options
}

// New wires a planner over the given components.
func New(
	embedder embedding.Computer,
	vectors vectorindex.Index,
	texts textindex.Index,
	filters *filterindex.Index,
	optFns ...Option,
) *Planner {
	opts := Options{
		VectorWeight:     0.5,
		TextWeight:       0.5,
		Overfetch:        3,
		SubSearchTimeout: 2 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Overfetch < 1 {
		opts.Overfetch = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Planner{
		embedder: embedder,
		vectors:  vectors,
		texts:    texts,
		filters:  filters,
		opts:     opts,
	}
}

// Query runs the request and returns up to K ranked results. An empty
// result is valid. Cancellation of ctx tears down both sub-searches.
//
// A request with only Text set searches the full-text index alone. Text
// additionally searches the vector index (cross-modal, text and images
// embed into the same space) when the request sets an explicit nonzero
// VectorWeight.
func (p *Planner) Query(ctx context.Context, req model.QueryRequest) ([]model.ResultItem, error) {
	haveText := req.Text != ""
	haveRef := req.ReferenceImageID != ""
	if req.K <= 0 || (!haveText && !haveRef) {
		return nil, ErrInvalidRequest
	}

	queryVec, err := p.resolveVector(ctx, req)
	if err != nil {
		return nil, err
	}
	haveVec := queryVec != nil

	fetchK := req.K * p.opts.Overfetch
	seq := p.vectors.Seq()

	var (
		vecHits  []vectorindex.Hit
		textHits []textindex.Hit
		vecErr   error
		textErr  error
	)

	g, gctx := errgroup.WithContext(ctx)

	if haveVec {
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(gctx, p.opts.SubSearchTimeout)
			defer cancel()
			vecHits, vecErr = p.vectors.Search(subCtx, queryVec, fetchK, nil)
			return nil
		})
	}
	if haveText {
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(gctx, p.opts.SubSearchTimeout)
			defer cancel()
			textHits, textErr = p.texts.Search(subCtx, req.Text, fetchK)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A failed modality degrades the query to the surviving one; only
	// when nothing survived does the query error.
	if vecErr != nil {
		p.opts.Logger.Warn("vector sub-search degraded", "error", vecErr)
	}
	if textErr != nil {
		p.opts.Logger.Warn("text sub-search degraded", "error", textErr)
	}
	vecOK := haveVec && vecErr == nil
	textOK := haveText && textErr == nil
	if !vecOK && !textOK {
		if isTimeout(vecErr) || isTimeout(textErr) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, errors.Join(vecErr, textErr))
		}
		return nil, errors.Join(vecErr, textErr)
	}

	if cur := p.vectors.Seq(); cur != seq {
		p.opts.Logger.Debug("vector index advanced during query", "seq", seq, "now", cur)
	}

	vecWeight, textWeight := req.VectorWeight, req.TextWeight
	if vecWeight == 0 && textWeight == 0 {
		vecWeight, textWeight = p.opts.VectorWeight, p.opts.TextWeight
	}
	vecWeight, textWeight = normalizeWeights(vecWeight, textWeight, vecOK, textOK)

	items := fuse(vecHits, textHits, vecWeight, textWeight)

	if pred := p.filters.Predicate(req.Filters); pred != nil {
		kept := items[:0]
		for _, item := range items {
			if pred(item.ID) {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	if len(items) > req.K {
		items = items[:req.K]
	}
	return items, nil
}

// resolveVector produces the query vector. A reference image uses its
// committed vector. Free text embeds into the shared space only when the
// request carries an explicit vector weight: a plain text-only request
// runs the text modality alone, the vector weight is implicitly zero.
func (p *Planner) resolveVector(ctx context.Context, req model.QueryRequest) ([]float32, error) {
	if req.ReferenceImageID != "" {
		vec, ok := p.vectors.Get(req.ReferenceImageID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRefNotFound, req.ReferenceImageID)
		}
		return vec.Values, nil
	}
	if req.VectorWeight <= 0 {
		return nil, nil
	}

	subCtx, cancel := context.WithTimeout(ctx, p.opts.SubSearchTimeout)
	defer cancel()

	vec, err := p.embedder.EmbedText(subCtx, req.Text)
	if err != nil {
		// Text still searches the full-text index; degrade there.
		p.opts.Logger.Warn("query text embedding degraded", "error", err)
		return nil, nil
	}
	return vec.Values, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
