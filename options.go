package imago

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/imago/blobstore"
	"github.com/hupe1980/imago/codec"
	"github.com/hupe1980/imago/ingest"
	"github.com/hupe1980/imago/ocr"
	"github.com/hupe1980/imago/textindex"
	"github.com/hupe1980/imago/vectorindex"
)

type options struct {
	logger            *Logger
	metrics           MetricsCollector
	compression       codec.Compression
	blobStore         blobstore.Store
	vectors           vectorindex.Index
	texts             textindex.Index
	hnswOpts          []func(*vectorindex.HNSWOptions)
	workers           int
	queueDepth        int
	vectorWeight      float64
	textWeight        float64
	overfetch         int
	subSearchTimeout  time.Duration
	confidenceFloor   float64
	rateLimit         *rate.Limiter
	retryBudget       time.Duration
	fetch             ingest.FetchFunc
	rebuildOnMismatch bool
}

// Option configures the engine.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics sink. Defaults to a noop
// collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithCompression selects the segment compression used by SaveSnapshot.
func WithCompression(c codec.Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithBlobStore sets the store snapshot segments are written to.
// Without one, SaveSnapshot and LoadSnapshot return an error.
func WithBlobStore(bs blobstore.Store) Option {
	return func(o *options) { o.blobStore = bs }
}

// WithVectorIndex overrides the default HNSW vector index, e.g. with
// vectorindex.NewFlat for exact search on small datasets. The index must
// be bound to the embedder's model version.
func WithVectorIndex(idx vectorindex.Index) Option {
	return func(o *options) { o.vectors = idx }
}

// WithTextIndex overrides the default in-memory full-text index.
func WithTextIndex(idx textindex.Index) Option {
	return func(o *options) { o.texts = idx }
}

// WithHNSWOptions tunes the default HNSW index. Ignored when
// WithVectorIndex is set.
func WithHNSWOptions(optFns ...func(*vectorindex.HNSWOptions)) Option {
	return func(o *options) { o.hnswOpts = optFns }
}

// WithWorkers sets the number of ingest pipeline goroutines.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueDepth bounds the ingest admission queue; a full queue rejects
// uploads with ErrBusy.
func WithQueueDepth(n int) Option {
	return func(o *options) { o.queueDepth = n }
}

// WithFusionWeights sets the default rank fusion weights. Requests may
// override them per query.
func WithFusionWeights(vector, text float64) Option {
	return func(o *options) {
		o.vectorWeight = vector
		o.textWeight = text
	}
}

// WithOverfetch sets the sub-search candidate multiplier of the query
// planner.
func WithOverfetch(factor int) Option {
	return func(o *options) { o.overfetch = factor }
}

// WithSubSearchTimeout bounds each query modality.
func WithSubSearchTimeout(d time.Duration) Option {
	return func(o *options) { o.subSearchTimeout = d }
}

// WithConfidenceFloor sets the minimum OCR span confidence admitted to
// the full-text index.
func WithConfidenceFloor(floor float64) Option {
	return func(o *options) { o.confidenceFloor = floor }
}

// WithRateLimit caps the upload admission rate.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *options) { o.rateLimit = l }
}

// WithRetryBudget bounds per-record retries during recovery.
func WithRetryBudget(d time.Duration) Option {
	return func(o *options) { o.retryBudget = d }
}

// WithFetch installs the locator resolver used by the recovery pass and
// by Rebuild. Raw image storage is owned by the caller; this hook is how
// the engine gets bytes back.
func WithFetch(f ingest.FetchFunc) Option {
	return func(o *options) { o.fetch = f }
}

// WithRebuildOnMismatch allows LoadSnapshot to proceed when persisted
// vector segments belong to a different embedding model: the stale
// segments are skipped and the caller is expected to run Rebuild.
// Without this flag a mismatch is fatal.
func WithRebuildOnMismatch(v bool) Option {
	return func(o *options) { o.rebuildOnMismatch = v }
}

func defaultOptions() options {
	return options{
		logger:           NoopLogger(),
		metrics:          NoopMetricsCollector{},
		compression:      codec.Zstd,
		vectorWeight:     0.5,
		textWeight:       0.5,
		overfetch:        3,
		subSearchTimeout: 2 * time.Second,
		confidenceFloor:  ocr.DefaultConfidenceFloor,
		retryBudget:      2 * time.Minute,
	}
}
