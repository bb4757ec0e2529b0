package connect

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aussiebroadwan/fitlink/pkg/slogx"
)

// Default browser identity presented to the SSO pages and the mobile app
// identity presented to the token and resource endpoints.
const (
	DefaultSSOUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	DefaultAPIUserAgent = "com.garmin.android.apps.connectmobile"

	// DefaultRefreshTimeout bounds a single bearer exchange run by the
	// refresh owner, which is detached from any caller's cancellation.
	DefaultRefreshTimeout = 30 * time.Second
)

// Endpoints lists every upstream URL the client talks to.
type Endpoints struct {
	Consumer      string
	SSOEmbed      string
	SSOSignin     string
	Preauthorized string
	Exchange      string
	API           string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Consumer:      "https://thegarth.s3.amazonaws.com/oauth_consumer.json",
		SSOEmbed:      "https://sso.garmin.com/sso/embed",
		SSOSignin:     "https://sso.garmin.com/sso/signin",
		Preauthorized: "https://connectapi.garmin.com/oauth-service/oauth/preauthorized",
		Exchange:      "https://connectapi.garmin.com/oauth-service/oauth/exchange/user/2.0",
		API:           "https://connectapi.garmin.com",
	}
}

// Client talks to the upstream service on behalf of a single account. It
// owns the account's token bundle through its Session and is safe for
// concurrent use. Use one Client per account.
type Client struct {
	Endpoints  Endpoints
	HTTPClient *http.Client

	// Store, when set, receives the bundle after every login and refresh
	// and is cleared on logout.
	Store TokenStore

	// Logger overrides the logger carried by the request context.
	Logger *slog.Logger

	SSOUserAgent string
	APIUserAgent string

	// RefreshTimeout bounds each bearer exchange performed by a refresh.
	RefreshTimeout time.Duration

	// RefreshLeeway makes the client treat a bearer token as expired this
	// long before its expiry time. Zero refreshes only once expired.
	RefreshLeeway time.Duration

	consumerMu    sync.RWMutex
	consumer      *ConsumerCredential
	consumerGroup singleflight.Group

	session *Session
	now     func() time.Time
}

// NewClient creates a client for the given endpoints with a default HTTP
// client. Trailing slashes are trimmed from the API base URL.
func NewClient(endpoints Endpoints) *Client {
	endpoints.API = strings.TrimSuffix(endpoints.API, "/")

	c := &Client{
		Endpoints: endpoints,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		SSOUserAgent:   DefaultSSOUserAgent,
		APIUserAgent:   DefaultAPIUserAgent,
		RefreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
	}
	c.session = newSession(c)
	return c
}

// SetConsumer installs a known consumer credential so it is never fetched.
func (c *Client) SetConsumer(consumer ConsumerCredential) {
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()
	c.consumer = &consumer
}

// Session returns the refresh manager owning this client's token bundle.
func (c *Client) Session() *Session {
	return c.session
}

// IsAuthenticated reports whether the client holds a token bundle.
func (c *Client) IsAuthenticated() bool {
	return c.session.Bundle() != nil
}

// EnsureFreshToken refreshes the bearer token, coalescing with any refresh
// already in flight.
func (c *Client) EnsureFreshToken(ctx context.Context) error {
	return c.session.EnsureFreshToken(ctx)
}

// Export returns a copy of the current bundle.
func (c *Client) Export() (TokenBundle, error) {
	b := c.session.Bundle()
	if b == nil {
		return TokenBundle{}, ErrNotAuthenticated
	}
	return *b, nil
}

// Restore installs a previously exported bundle as-is. The bundle's expiry
// is kept exactly as exported.
func (c *Client) Restore(bundle TokenBundle) error {
	if err := bundle.Validate(); err != nil {
		return err
	}
	c.session.install(bundle)
	return nil
}

// RestoreFromStore loads the bundle from the configured store. A missing
// bundle is not an error; the client simply stays unauthenticated.
func (c *Client) RestoreFromStore(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}

	bundle, err := c.Store.Load(ctx)
	if err != nil {
		if isNotFound(err) {
			c.log(ctx).Debug("no stored token bundle")
			return nil
		}
		return err
	}

	if err := c.Restore(*bundle); err != nil {
		return err
	}
	c.log(ctx).Debug("token bundle restored from store",
		"expires_at", bundle.Bearer.ExpiresAtTime().UTC(),
	)
	return nil
}

// Logout drops the token bundle and clears the store. The consumer
// credential stays cached since it does not belong to the account.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.session.logout(ctx); err != nil {
		return err
	}
	c.log(ctx).Info("logged out")
	return nil
}

func (c *Client) refreshTimeout() time.Duration {
	if c.RefreshTimeout > 0 {
		return c.RefreshTimeout
	}
	return DefaultRefreshTimeout
}

func (c *Client) log(ctx context.Context) *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slogx.FromContext(ctx)
}

// saveBundle persists b if a store is configured. Persistence failures are
// logged, the in-memory bundle stays authoritative.
func (c *Client) saveBundle(ctx context.Context, b TokenBundle) {
	if c.Store == nil {
		return
	}
	if err := c.Store.Save(ctx, b); err != nil {
		c.log(ctx).Warn("failed to persist token bundle", "error", err)
	}
}
