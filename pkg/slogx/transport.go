package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/fitlink/pkg/idx"
)

// Transport is an http.RoundTripper that logs every outbound request. Each
// request gets a req_id, and the contextual logger carrying it is attached
// to the request context for the duration of the round trip.
//
// Only the path is logged. Queries and headers carry tickets and tokens.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	return &Transport{Base: base, Logger: logger}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	parent := t.Logger
	if parent == nil {
		parent = FromContext(r.Context())
	}

	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = idx.New().String()
	}

	logger := parent.With(
		"req_id", reqID,
		"method", r.Method,
		"host", r.URL.Host,
		"path", r.URL.Path,
	)
	r = r.WithContext(WithContext(r.Context(), logger))

	resp, err := base.RoundTrip(r)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Debug("http_request_failed", "duration_ms", duration, "error", err)
		return nil, err
	}

	logger.Debug("http_request",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
