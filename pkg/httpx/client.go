package httpx

import (
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/aussiebroadwan/fitlink/pkg/slogx"
)

// ClientConfig describes the outbound HTTP client.
type ClientConfig struct {
	// Timeout bounds each request including reading the body.
	Timeout time.Duration

	// RateLimit paces requests per host. A zero value disables pacing.
	RateLimit RateLimitConfig

	// CookieJar attaches an in-memory cookie jar.
	CookieJar bool

	// Logger, when set, logs every request at debug level.
	Logger *slog.Logger

	// Base is the innermost transport, http.DefaultTransport when nil.
	Base http.RoundTripper
}

// NewClient builds an http.Client with the transports stacked as
// logging -> rate limiting -> base, so the logged duration includes any
// time spent waiting for the limiter.
func NewClient(cfg ClientConfig) *http.Client {
	transport := cfg.Base
	if transport == nil {
		transport = http.DefaultTransport
	}

	if cfg.RateLimit.Enabled() {
		transport = NewRateLimitTransport(transport, cfg.RateLimit)
	}
	if cfg.Logger != nil {
		transport = slogx.NewTransport(transport, cfg.Logger)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if cfg.CookieJar {
		jar, _ := cookiejar.New(nil) // never fails without options
		client.Jar = jar
	}
	return client
}
