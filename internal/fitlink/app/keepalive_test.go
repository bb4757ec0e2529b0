package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/fitlinktest"
	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKeepAliveClient(t *testing.T, u *fitlinktest.Upstream) *connect.Client {
	t.Helper()

	c := connect.NewClient(u.Endpoints())
	c.Logger = discardLogger()
	c.SetConsumer(connect.ConsumerCredential{
		Key:    fitlinktest.ConsumerKey,
		Secret: fitlinktest.ConsumerSecret,
	})
	return c
}

type recordingHistory struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (h *recordingHistory) Events(context.Context, int) ([]store.Event, error) { return nil, nil }

func (h *recordingHistory) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cutoffs = append(h.cutoffs, before)
	return 1, nil
}

func (h *recordingHistory) Cutoffs() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.cutoffs...)
}

func TestKeepAlive_RefreshIfDue(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)

	tests := []struct {
		name          string
		expiresAt     *time.Time
		exchangeFails bool
		wantRefreshed bool
		wantErr       error
	}{
		{name: "not logged in"},
		{name: "far from expiry", expiresAt: ptr(now.Add(time.Hour))},
		{name: "within lead", expiresAt: ptr(now.Add(5 * time.Minute)), wantRefreshed: true},
		{name: "already expired", expiresAt: ptr(now.Add(-time.Minute)), wantRefreshed: true},
		{
			name:          "exchange fails",
			expiresAt:     ptr(now.Add(time.Minute)),
			exchangeFails: true,
			wantErr:       connect.ErrBearerExchangeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := fitlinktest.New(t)
			if tt.exchangeFails {
				u.ExchangeStatus.Store(http.StatusBadGateway)
			}
			c := newKeepAliveClient(t, u)
			if tt.expiresAt != nil {
				require.NoError(t, c.Restore(fitlinktest.Bundle(tt.expiresAt.Unix())))
			}

			s := NewKeepAliveService(c, discardLogger(), KeepAliveConfig{Interval: time.Hour, Lead: 10 * time.Minute})
			s.now = func() time.Time { return now }

			refreshed, err := s.refreshIfDue(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantRefreshed, refreshed)

			if tt.wantRefreshed {
				require.Equal(t, 1, u.Count("exchange"))
				token, ok := c.Session().AccessToken()
				require.True(t, ok)
				require.Equal(t, "bearer-token", token)
			} else {
				require.Zero(t, u.Count("exchange"))
			}
		})
	}
}

func TestKeepAlive_CyclePrunesHistory(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	c := newKeepAliveClient(t, u)
	u.ExchangeStatus.Store(http.StatusInternalServerError)
	require.NoError(t, c.Restore(fitlinktest.Bundle(time.Now().Add(-time.Minute).Unix())))

	now := time.Unix(1700000000, 0)
	history := &recordingHistory{}
	s := NewKeepAliveService(c, discardLogger(), KeepAliveConfig{
		Interval:  time.Hour,
		Retention: 24 * time.Hour,
	})
	s.History = history
	s.now = func() time.Time { return now }

	s.cycle()

	require.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, history.Cutoffs(), "refresh failure does not stop pruning")
}

func TestKeepAlive_NoRetentionKeepsHistory(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	history := &recordingHistory{}
	s := NewKeepAliveService(newKeepAliveClient(t, u), discardLogger(), KeepAliveConfig{Interval: time.Hour})
	s.History = history

	s.cycle()

	require.Empty(t, history.Cutoffs())
	require.Empty(t, u.Calls())
}

func TestKeepAlive_StartStop(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	c := newKeepAliveClient(t, u)
	require.NoError(t, c.Restore(fitlinktest.Bundle(time.Now().Add(time.Minute).Unix())))

	s := NewKeepAliveService(c, discardLogger(), KeepAliveConfig{
		Interval: 10 * time.Millisecond,
		Lead:     10 * time.Minute,
	})
	s.Start()

	require.Eventually(t, func() bool {
		return u.Count("exchange") >= 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()

	// Refreshed token now expires in an hour, well outside the lead.
	after := u.Count("exchange")
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, u.Count("exchange"), "no cycles after Stop")
}

func TestNewKeepAliveService_DefaultInterval(t *testing.T) {
	t.Parallel()

	s := NewKeepAliveService(nil, discardLogger(), KeepAliveConfig{})
	require.Equal(t, 5*time.Minute, s.Interval)
}

func ptr[T any](v T) *T { return &v }
