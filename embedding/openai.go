package embedding

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// OpenAIOptions configures the OpenAI-compatible computer.
type OpenAIOptions struct {
	// BaseURL points at an OpenAI-compatible /v1 endpoint. Self-hosted
	// CLIP-class servers (Infinity, LocalAI) accept base64 image payloads
	// on the embeddings route; that is the expected deployment.
	BaseURL string

	// APIKey authenticates against the endpoint. Optional for local
	// deployments.
	APIKey string

	// Model is the served model identifier, e.g. "clip-ViT-B-32".
	Model string

	// Dimension is the expected vector dimension. Responses of any other
	// dimension are rejected.
	Dimension int

	// MaxElapsedTime bounds the retry budget per request.
	MaxElapsedTime time.Duration
}

// OpenAI is an embedding computer backed by an OpenAI-compatible
// embeddings endpoint serving a CLIP-class model: images and text embed
// into the same space.
type OpenAI struct {
	client  openai.Client
	opts    OpenAIOptions
	version model.ModelVersion
}

// NewOpenAI creates the computer. The model identity and dimension are
// fixed here for the process lifetime.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Model == "" {
		return nil, errors.New("embedding: model is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding: invalid dimension %d", opts.Dimension)
	}
	if opts.MaxElapsedTime <= 0 {
		opts.MaxElapsedTime = 30 * time.Second
	}

	var reqOpts []option.RequestOption
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}

	return &OpenAI{
		client:  openai.NewClient(reqOpts...),
		opts:    opts,
		version: model.ModelVersion{Name: opts.Model, Dimension: opts.Dimension},
	}, nil
}

var _ Computer = (*OpenAI)(nil)

// Embed sends the raw image bytes as a base64 data payload.
func (o *OpenAI) Embed(ctx context.Context, img *pixel.Image) (model.Vector, error) {
	payload := fmt.Sprintf("data:image/%s;base64,%s",
		img.Format, base64.StdEncoding.EncodeToString(img.Raw))
	return o.embed(ctx, payload)
}

// EmbedText embeds query text into the same space.
func (o *OpenAI) EmbedText(ctx context.Context, text string) (model.Vector, error) {
	if text == "" {
		return model.Vector{}, ErrEmptyText
	}
	return o.embed(ctx, text)
}

func (o *OpenAI) embed(ctx context.Context, input string) (model.Vector, error) {
	var values []float32

	operation := func() error {
		resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: []string{input},
			},
			Model: openai.EmbeddingModel(o.opts.Model),
		})
		if err != nil {
			if isRateLimitError(err) {
				return err // retry with backoff
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != 1 {
			return backoff.Permanent(fmt.Errorf("embedding: expected 1 result, got %d", len(resp.Data)))
		}
		values = toFloat32(resp.Data[0].Embedding)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = o.opts.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return model.Vector{}, err
	}
	if err := checkDim(len(values), o.opts.Dimension); err != nil {
		return model.Vector{}, err
	}
	if err := NormalizeL2(values); err != nil {
		return model.Vector{}, err
	}
	return model.Vector{Values: values, Version: o.version}, nil
}

// isRateLimitError checks for HTTP 429.
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 narrows the API's float64 values for index storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

// Version identifies the model.
func (o *OpenAI) Version() model.ModelVersion { return o.version }

// Close releases model resources.
func (o *OpenAI) Close() error { return nil }
