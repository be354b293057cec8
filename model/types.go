package model

import (
	"fmt"
	"time"
)

// ImageID is the opaque, stable identifier of an image record.
// It is assigned by the ingest coordinator on first sight of a new
// fingerprint and never reused.
type ImageID string

// Fingerprint is the lowercase hex SHA-256 of the raw image bytes.
// It is the idempotency key of the whole pipeline: among non-failed
// records fingerprints are unique.
type Fingerprint string

// Short returns an abbreviated fingerprint for logging.
func (f Fingerprint) Short() string {
	if len(f) <= 8 {
		return string(f)
	}
	return string(f[:8])
}

// Status is the ingest lifecycle state of an image record.
//
// Records move forward only: Pending -> Embedded -> Indexed -> Ready.
// Failed is reachable from any non-terminal state; a failed record may be
// retried by re-ingesting the same fingerprint, which resets it to Pending.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusEmbedded Status = "EMBEDDED"
	StatusIndexed  Status = "INDEXED"
	StatusReady    Status = "READY"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether no further transition is allowed except a retry
// reset (Failed) or nothing at all (Ready).
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// rank orders the forward pipeline. Failed is outside the ordering.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusEmbedded:
		return 1
	case StatusIndexed:
		return 2
	case StatusReady:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s has already reached or passed other on the
// forward pipeline. Failed has no position and is never at least anything.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= 0 && other.rank() >= 0 && s.rank() >= other.rank()
}

// CanTransition reports whether a transition from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if next == StatusFailed {
		return !s.Terminal()
	}
	if s == StatusFailed {
		// Retry path: only a reset to Pending is allowed.
		return next == StatusPending
	}
	return next.rank() == s.rank()+1
}

// ModelVersion identifies the embedding model that produced a vector.
// Vectors of different model versions must never meet in one similarity
// comparison; the vector index partitions its arena by this value.
type ModelVersion struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
}

// String renders the version the way segment files are keyed.
func (mv ModelVersion) String() string {
	return fmt.Sprintf("%s-d%d", mv.Name, mv.Dimension)
}

// IsZero reports whether the version is unset.
func (mv ModelVersion) IsZero() bool {
	return mv.Name == "" && mv.Dimension == 0
}

// Vector is a fixed-dimension embedding stamped with the producing model
// version. Values are unit L2-normalized so that inner product equals
// cosine similarity.
type Vector struct {
	Values  []float32    `json:"values"`
	Version ModelVersion `json:"version"`
}

// Dim returns the dimensionality of the vector.
func (v Vector) Dim() int { return len(v.Values) }

// Rect is an optional bounding region of an OCR span, in pixel coordinates
// of the source image.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Span is a recognized text fragment with its confidence in [0,1].
// Zero or more spans belong to an image; an image with no spans is valid.
type Span struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Region     *Rect   `json:"region,omitempty"`
}

// UploadMeta is the caller-supplied metadata accompanying an ingest byte
// stream. The storage locator is opaque to the core; the external
// collaborator that owns raw file storage fills it in.
type UploadMeta struct {
	Filename    string
	ContentType string
	Owner       string
	Caption     string
	Tags        []string
	Locator     string
	UploadedAt  time.Time
}

// ImageRecord is the durable per-image row of the metadata store.
type ImageRecord struct {
	ID          ImageID      `json:"id"`
	Fingerprint Fingerprint  `json:"fingerprint"`
	Status      Status       `json:"status"`
	Owner       string       `json:"owner,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
	Locator     string       `json:"locator,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
	Model       ModelVersion `json:"model,omitempty"`
	FailReason  string       `json:"fail_reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Filters narrows a query to records matching all supplied criteria
// (AND across fields, OR within a field's values).
type Filters struct {
	Owners       []string
	Tags         []string
	ContentTypes []string
	After        time.Time
	Before       time.Time
}

// IsZero reports whether no filter criteria are set.
func (f Filters) IsZero() bool {
	return len(f.Owners) == 0 && len(f.Tags) == 0 && len(f.ContentTypes) == 0 &&
		f.After.IsZero() && f.Before.IsZero()
}

// QueryRequest carries any combination of query modalities. Supplying only
// one modality is valid; the other weight is implicitly zero.
type QueryRequest struct {
	// Text is a free-text query run against both the full-text index and,
	// via text embedding, the vector index.
	Text string

	// ReferenceImageID requests visual similarity to an already ingested
	// image. Its committed vector becomes the query vector.
	ReferenceImageID ImageID

	// Filters are applied after rank fusion, before truncation.
	Filters Filters

	// K is the maximum number of results. Must be positive.
	K int

	// TextWeight and VectorWeight control rank fusion. If both are zero the
	// engine defaults apply. Weights are normalized before use.
	TextWeight   float64
	VectorWeight float64
}

// ResultItem is one ranked query hit. Sub-scores are retained for
// explainability; Score is the fused, normalized value in [0,1].
type ResultItem struct {
	ID          ImageID `json:"id"`
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score"`
	TextScore   float64 `json:"text_score"`
}
