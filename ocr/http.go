package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

// HTTPOptions configures the HTTP extractor.
type HTTPOptions struct {
	// Endpoint is the URL of the recognition API.
	Endpoint string

	// HTTPClient is the client used for requests. Defaults to a client
	// with a 30s timeout.
	HTTPClient *http.Client

	// MaxElapsedTime bounds the retry budget per extraction.
	MaxElapsedTime time.Duration
}

// HTTP is an extractor backed by a JSON recognition API: the image goes
// out as a base64 payload, spans come back with confidence and optional
// bounding boxes. Transient upstream failures (429, 5xx) are retried
// with exponential backoff.
type HTTP struct {
	endpoint string
	client   *http.Client
	maxWait  time.Duration
}

// NewHTTP creates the extractor.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("ocr: endpoint is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxWait := opts.MaxElapsedTime
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &HTTP{endpoint: opts.Endpoint, client: client, maxWait: maxWait}, nil
}

var _ Extractor = (*HTTP)(nil)

type httpRequest struct {
	Image  string `json:"image"`
	Format string `json:"format"`
}

type httpSpan struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        []int   `json:"box,omitempty"`
}

type httpResponse struct {
	Spans []httpSpan `json:"spans"`
}

// Extract posts the raw image bytes and decodes the returned spans.
func (h *HTTP) Extract(ctx context.Context, img *pixel.Image) ([]model.Span, error) {
	body, err := json.Marshal(httpRequest{
		Image:  base64.StdEncoding.EncodeToString(img.Raw),
		Format: img.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("ocr: encode request: %w", err)
	}

	var resp httpResponse

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := h.client.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			io.Copy(io.Discard, res.Body)
			err := fmt.Errorf("ocr: engine returned status %d", res.StatusCode)
			if retryableStatus(res.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		resp = httpResponse{}
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			return backoff.Permanent(fmt.Errorf("ocr: decode response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = h.maxWait

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	spans := make([]model.Span, 0, len(resp.Spans))
	for _, s := range resp.Spans {
		sp := model.Span{Text: s.Text, Confidence: s.Confidence}
		if len(s.Box) == 4 {
			sp.Region = &model.Rect{X0: s.Box[0], Y0: s.Box[1], X1: s.Box[2], Y1: s.Box[3]}
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

// Close releases engine resources.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
