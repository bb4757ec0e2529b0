package connect

import (
	"context"
	"sync"
	"time"
)

// Session owns the token bundle of a Client and keeps its bearer token
// usable. Concurrent refresh requests are coalesced: while a refresh is in
// flight every other caller parks on it and receives the same outcome, so
// the upstream exchange runs at most once at a time.
type Session struct {
	client *Client

	mu       sync.Mutex
	bundle   *TokenBundle
	inflight *refreshCall

	// saveMu serializes writes to the store with logout, so a bundle is
	// only persisted while it is still the current one.
	saveMu sync.Mutex
}

// refreshCall is one refresh wave. done is closed by the owner once token
// and err are final; waiters only read them after that.
type refreshCall struct {
	done    chan struct{}
	waiters int

	token string
	err   error
}

func newSession(client *Client) *Session {
	return &Session{client: client}
}

// Bundle returns a copy of the current bundle, or nil when unauthenticated.
func (s *Session) Bundle() *TokenBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundle == nil {
		return nil
	}
	b := *s.bundle
	return &b
}

// AccessToken returns the current access token without checking expiry.
func (s *Session) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundle == nil {
		return "", false
	}
	return s.bundle.Bearer.AccessToken, true
}

// Refreshing reports whether a refresh is in flight.
func (s *Session) Refreshing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// install replaces the whole bundle. A refresh in flight for the previous
// bundle will not overwrite it.
func (s *Session) install(b TokenBundle) *TokenBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = &b
	return s.bundle
}

func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = nil
}

// persist saves b to the client's store unless it has been replaced or
// cleared in the meantime.
func (s *Session) persist(ctx context.Context, b *TokenBundle) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	current := s.bundle == b
	s.mu.Unlock()
	if !current {
		s.client.log(ctx).Debug("token bundle superseded, not persisting")
		return
	}
	s.client.saveBundle(ctx, *b)
}

// logout drops the bundle and clears the store as one step with respect to
// persist.
func (s *Session) logout(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.clear()
	if s.client.Store == nil {
		return nil
	}
	return s.client.Store.Clear(ctx)
}

// validToken returns the access token when it is usable at now, and
// whether the client is authenticated at all.
func (s *Session) validToken(now time.Time) (token string, fresh bool, authenticated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundle == nil {
		return "", false, false
	}
	return s.bundle.Bearer.AccessToken, !s.bundle.Bearer.Expired(now), true
}

// EnsureFreshToken mints a new bearer token from the bundle's legacy token.
// If a refresh is already running the caller waits for it instead of
// starting another one, and gets its result verbatim.
//
// The exchange runs on its own goroutine, detached from ctx: a caller that
// gives up via ctx returns ctx.Err() while the refresh still completes and
// resolves every other waiter.
func (s *Session) EnsureFreshToken(ctx context.Context) error {
	_, err := s.refresh(ctx)
	return err
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	log := s.client.log(ctx)

	s.mu.Lock()
	if s.bundle == nil {
		s.mu.Unlock()
		return "", ErrNotAuthenticated
	}

	call := s.inflight
	if call != nil {
		call.waiters++
		waiters := call.waiters
		s.mu.Unlock()

		log.Debug("token refresh in flight, waiting", "waiters", waiters)
		return s.wait(ctx, call)
	}

	call = &refreshCall{done: make(chan struct{})}
	s.inflight = call
	current := s.bundle
	legacy := current.Legacy
	s.mu.Unlock()

	log.Info("token refresh started")
	go s.runRefresh(context.WithoutCancel(ctx), call, current, legacy)

	return s.wait(ctx, call)
}

func (s *Session) wait(ctx context.Context, call *refreshCall) (string, error) {
	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runRefresh is the refresh owner. It is the only place a refresh touches
// the bundle and the in-flight call.
func (s *Session) runRefresh(ctx context.Context, call *refreshCall, owner *TokenBundle, legacy LegacyToken) {
	c := s.client
	log := c.log(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout())
	defer cancel()

	bearer, err := c.exchangeBearer(ctx, c.HTTPClient, legacy)

	var saved *TokenBundle

	s.mu.Lock()
	switch {
	case err != nil:
		// Leave the bundle as it was.
	case s.bundle != owner:
		// Logged out or logged in again while the exchange ran.
		err = ErrNotAuthenticated
	default:
		saved = &TokenBundle{Legacy: s.bundle.Legacy, Bearer: bearer}
		s.bundle = saved
	}
	if err == nil {
		call.token = bearer.AccessToken
	}
	call.err = err
	waiters := call.waiters
	s.inflight = nil
	close(call.done)
	s.mu.Unlock()

	if err != nil {
		log.Warn("token refresh failed", "waiters", waiters, "error", err)
		return
	}

	log.Info("token refresh succeeded",
		"waiters", waiters,
		"expires_at", bearer.ExpiresAtTime().UTC(),
	)
	s.persist(ctx, saved)
}
