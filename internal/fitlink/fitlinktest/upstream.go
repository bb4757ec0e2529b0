// Package fitlinktest provides a fake upstream that serves the SSO, token
// and resource endpoints, for tests of code built on the connect client.
package fitlinktest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aussiebroadwan/fitlink/pkg/connect"
)

// Credentials the fake accepts.
const (
	Username       = "user"
	Password       = "pass"
	ConsumerKey    = "consumer-key"
	ConsumerSecret = "consumer-secret"
	LegacyToken    = "tok1"
	LegacySecret   = "sec1"

	csrf   = "csrf-token-123"
	ticket = "ST-12345-abc"
)

const apiPrefix = "/api"

// Upstream is a fake upstream backed by httptest.Server.
type Upstream struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []string

	// Resource, when set, replaces the default resource handler, which
	// echoes the request method, path and Authorization header as JSON.
	Resource http.HandlerFunc

	// ExchangeStatus, when non-zero, makes the bearer exchange fail.
	ExchangeStatus atomic.Int32

	bearerSeq atomic.Int32
}

// New starts a fake upstream closed with t's cleanup.
func New(t testing.TB) *Upstream {
	t.Helper()

	u := &Upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

// URL is the base URL of the fake.
func (u *Upstream) URL() string { return u.srv.URL }

// Endpoints points every connect endpoint at the fake.
func (u *Upstream) Endpoints() connect.Endpoints {
	return connect.Endpoints{
		Consumer:      u.srv.URL + "/oauth_consumer.json",
		SSOEmbed:      u.srv.URL + "/sso/embed",
		SSOSignin:     u.srv.URL + "/sso/signin",
		Preauthorized: u.srv.URL + "/oauth-service/oauth/preauthorized",
		Exchange:      u.srv.URL + "/oauth-service/oauth/exchange/user/2.0",
		API:           u.srv.URL + apiPrefix,
	}
}

// Calls returns the names of the endpoints hit so far, in order: consumer,
// embed, signin-page, signin-submit, preauthorized, exchange, resource.
func (u *Upstream) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

// Count returns how many times the named endpoint was hit.
func (u *Upstream) Count(name string) int {
	n := 0
	for _, c := range u.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// LastAccessToken returns the most recent access token minted.
func (u *Upstream) LastAccessToken() string {
	return accessToken(int(u.bearerSeq.Load()))
}

func (u *Upstream) record(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, name)
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/oauth_consumer.json":
		u.record("consumer")
		writeJSON(w, http.StatusOK, map[string]string{
			"consumer_key":    ConsumerKey,
			"consumer_secret": ConsumerSecret,
		})

	case r.URL.Path == "/sso/embed":
		u.record("embed")
		http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "sso", Path: "/"})
		_, _ = io.WriteString(w, "<html>embed</html>")

	case r.URL.Path == "/sso/signin" && r.Method == http.MethodGet:
		u.record("signin-page")
		_, _ = io.WriteString(w, `<html><head><title>Sign In</title></head><body>
<input type="hidden" name="_csrf" value="`+csrf+`" /></body></html>`)

	case r.URL.Path == "/sso/signin":
		u.record("signin-submit")
		_ = r.ParseForm()
		if r.PostForm.Get("username") == Username && r.PostForm.Get("password") == Password &&
			r.PostForm.Get("_csrf") == csrf {
			_, _ = io.WriteString(w, `<html><head><title>Success</title></head><body><script>
var response_url = "https:\/\/sso.example.com\/sso\/embed?ticket=`+ticket+`";
</script></body></html>`)
			return
		}
		_, _ = io.WriteString(w, "<html><head><title>Sign In</title></head></html>")

	case r.URL.Path == "/oauth-service/oauth/preauthorized":
		u.record("preauthorized")
		if r.URL.Query().Get("ticket") != ticket {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "oauth_token="+LegacyToken+"&oauth_token_secret="+LegacySecret)

	case r.URL.Path == "/oauth-service/oauth/exchange/user/2.0":
		u.record("exchange")
		if status := u.ExchangeStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		if !strings.Contains(r.Header.Get("Authorization"), `oauth_token="`+LegacyToken+`"`) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := int(u.bearerSeq.Add(1))
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":             accessToken(n),
			"refresh_token":            "refresh-token",
			"token_type":               "Bearer",
			"expires_in":               3600,
			"refresh_token_expires_in": 86400,
		})

	case strings.HasPrefix(r.URL.Path, apiPrefix):
		u.record("resource")
		if u.Resource != nil {
			u.Resource(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"method":        r.Method,
			"override":      r.Header.Get("X-Http-Method-Override"),
			"path":          strings.TrimPrefix(r.URL.Path, apiPrefix),
			"authorization": r.Header.Get("Authorization"),
		})

	default:
		http.NotFound(w, r)
	}
}

func accessToken(n int) string {
	if n <= 1 {
		return "bearer-token"
	}
	return "bearer-token-" + strconv.Itoa(n)
}

// Bundle returns a complete bundle accepted by the fake whose bearer
// expires at the given Unix time.
func Bundle(expiresAt int64) connect.TokenBundle {
	return connect.TokenBundle{
		Legacy: connect.LegacyToken{Token: LegacyToken, TokenSecret: LegacySecret},
		Bearer: connect.BearerToken{
			AccessToken:           "old-token",
			RefreshToken:          "old-refresh",
			TokenType:             "Bearer",
			ExpiresIn:             3600,
			RefreshTokenExpiresIn: 86400,
			ExpiresAt:             expiresAt,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
