package httpx_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/fitlink/pkg/httpx"
	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func get(t *testing.T, client *http.Client, ctx context.Context, url string) error {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func TestRateLimitTransport_AllowsBurst(t *testing.T) {
	srv, hits := countingServer(t)

	client := &http.Client{Transport: httpx.NewRateLimitTransport(nil, httpx.RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Hour,
		Burst:             3,
	})}

	start := time.Now()
	for range 3 {
		require.NoError(t, get(t, client, context.Background(), srv.URL))
	}
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 3, hits.Load())
}

func TestRateLimitTransport_WaitHonoursContext(t *testing.T) {
	srv, hits := countingServer(t)

	client := &http.Client{Transport: httpx.NewRateLimitTransport(nil, httpx.RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Hour,
		Burst:             1,
	})}

	require.NoError(t, get(t, client, context.Background(), srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := get(t, client, ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, hits.Load(), "the delayed request never reaches the server")
}

func TestRateLimitTransport_Paces(t *testing.T) {
	srv, hits := countingServer(t)

	client := &http.Client{Transport: httpx.NewRateLimitTransport(http.DefaultTransport, httpx.RateLimitConfig{
		RequestsPerWindow: 20,
		Window:            time.Second,
		Burst:             1,
	})}

	start := time.Now()
	for range 3 {
		require.NoError(t, get(t, client, context.Background(), srv.URL))
	}
	// Two waits of 50ms each after the first token.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.EqualValues(t, 3, hits.Load())
}

func TestRateLimitTransport_PerHost(t *testing.T) {
	a, hitsA := countingServer(t)
	b, hitsB := countingServer(t)

	client := &http.Client{Transport: httpx.NewRateLimitTransport(nil, httpx.RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Hour,
		Burst:             1,
	})}

	require.NoError(t, get(t, client, context.Background(), a.URL))
	require.NoError(t, get(t, client, context.Background(), b.URL))
	require.EqualValues(t, 1, hitsA.Load())
	require.EqualValues(t, 1, hitsB.Load())
}

func TestNewClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("sid"); err != nil {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "1", Path: "/"})
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := httpx.NewClient(httpx.ClientConfig{
		Timeout:   5 * time.Second,
		RateLimit: httpx.DefaultRateLimit,
		CookieJar: true,
	})
	require.Equal(t, 5*time.Second, client.Timeout)
	require.NotNil(t, client.Jar)

	for _, want := range []int{http.StatusAccepted, http.StatusOK} {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, want, resp.StatusCode)
	}

	plain := httpx.NewClient(httpx.ClientConfig{})
	require.Nil(t, plain.Jar)
	require.Equal(t, http.DefaultTransport, plain.Transport)
}

func TestRateLimitConfig_Enabled(t *testing.T) {
	require.True(t, httpx.DefaultRateLimit.Enabled())
	require.False(t, httpx.RateLimitConfig{}.Enabled())
	require.False(t, httpx.RateLimitConfig{RequestsPerWindow: 5}.Enabled())
}

func TestParseRateLimitFromEnv(t *testing.T) {
	defaultConfig := httpx.RateLimitConfig{
		RequestsPerWindow: 10,
		Window:            time.Minute,
		Burst:             10,
	}

	t.Run("NoEnvVarsUsesDefaults", func(t *testing.T) {
		config := httpx.ParseRateLimitFromEnv("TEST", defaultConfig)
		require.Equal(t, defaultConfig, config)
	})

	t.Run("OverrideAllParameters", func(t *testing.T) {
		t.Setenv("RATELIMIT_TEST_REQUESTS", "200")
		t.Setenv("RATELIMIT_TEST_WINDOW_SEC", "30")
		t.Setenv("RATELIMIT_TEST_BURST", "250")

		config := httpx.ParseRateLimitFromEnv("TEST", defaultConfig)
		require.Equal(t, 200, config.RequestsPerWindow)
		require.Equal(t, 30*time.Second, config.Window)
		require.Equal(t, 250, config.Burst)
	})

	t.Run("InvalidValuesUseDefaults", func(t *testing.T) {
		t.Setenv("RATELIMIT_TEST_REQUESTS", "invalid")
		t.Setenv("RATELIMIT_TEST_WINDOW_SEC", "-10")
		t.Setenv("RATELIMIT_TEST_BURST", "not-a-number")

		config := httpx.ParseRateLimitFromEnv("TEST", defaultConfig)
		require.Equal(t, defaultConfig, config)
	})

	t.Run("ZeroValuesUseDefaults", func(t *testing.T) {
		t.Setenv("RATELIMIT_TEST_REQUESTS", "0")
		t.Setenv("RATELIMIT_TEST_WINDOW_SEC", "0")
		t.Setenv("RATELIMIT_TEST_BURST", "0")

		config := httpx.ParseRateLimitFromEnv("TEST", defaultConfig)
		require.Equal(t, defaultConfig, config)
	})
}
