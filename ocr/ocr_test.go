package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/pixel"
)

func TestApplyFloor(t *testing.T) {
	spans := []model.Span{
		{Text: "keep me", Confidence: 0.9},
		{Text: "borderline", Confidence: 0.5},
		{Text: "too shaky", Confidence: 0.49},
		{Text: "", Confidence: 1.0},
	}

	got := ApplyFloor(spans, 0.5)
	require.Len(t, got, 2)
	require.Equal(t, "keep me", got[0].Text)
	require.Equal(t, "borderline", got[1].Text)

	require.Nil(t, ApplyFloor(nil, 0.5))
	require.Nil(t, ApplyFloor([]model.Span{{Text: "x", Confidence: 0.1}}, 0.5))
}

func TestNoop(t *testing.T) {
	n := NewNoop()
	spans, err := n.Extract(context.Background(), &pixel.Image{Raw: []byte("x")})
	require.NoError(t, err)
	require.Nil(t, spans)
	require.NoError(t, n.Close())
}

func TestHTTP_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var req httpRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "png", req.Format)
		require.NotEmpty(t, req.Image)

		json.NewEncoder(w).Encode(httpResponse{Spans: []httpSpan{
			{Text: "EXIT", Confidence: 0.97, Box: []int{10, 20, 60, 40}},
			{Text: "open daily", Confidence: 0.8},
		}})
	}))
	defer srv.Close()

	x, err := NewHTTP(HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, err)
	defer x.Close()

	spans, err := x.Extract(context.Background(), &pixel.Image{Raw: []byte("fake"), Format: "png"})
	require.NoError(t, err)
	require.Len(t, spans, 2)
	require.Equal(t, "EXIT", spans[0].Text)
	require.Equal(t, &model.Rect{X0: 10, Y0: 20, X1: 60, Y1: 40}, spans[0].Region)
	require.Nil(t, spans[1].Region)
}

func TestHTTP_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(httpResponse{Spans: []httpSpan{{Text: "ok", Confidence: 1}}})
	}))
	defer srv.Close()

	x, err := NewHTTP(HTTPOptions{Endpoint: srv.URL, MaxElapsedTime: 10 * time.Second})
	require.NoError(t, err)
	defer x.Close()

	spans, err := x.Extract(context.Background(), &pixel.Image{Raw: []byte("fake"), Format: "png"})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestHTTP_PermanentFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	x, err := NewHTTP(HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, err)
	defer x.Close()

	_, err = x.Extract(context.Background(), &pixel.Image{Raw: []byte("fake"), Format: "png"})
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestStatic(t *testing.T) {
	want := []model.Span{{Text: "fixed", Confidence: 0.9}}
	s := &Static{Spans: want}

	got, err := s.Extract(context.Background(), &pixel.Image{Raw: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The returned slice is a copy.
	got[0].Text = "mutated"
	again, _ := s.Extract(context.Background(), &pixel.Image{Raw: []byte("x")})
	require.Equal(t, "fixed", again[0].Text)
}
