package connect

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

/*
 * A fake upstream serving every endpoint the client talks to, recording
 * the order in which they are called. Defaults follow the happy-path login
 * scenario; tests override the hooks they care about.
 */

const (
	testUsername    = "user"
	testPassword    = "pass"
	testCSRF        = "csrf-token-123"
	testTicket      = "ST-12345-abc"
	testLegacyToken = "tok1"
	testLegacySec   = "sec1"
	testConsumerKey = "consumer-key"
	testConsumerSec = "consumer-secret"
)

const (
	pathConsumer      = "/oauth_consumer.json"
	pathEmbed         = "/sso/embed"
	pathSignin        = "/sso/signin"
	pathPreauthorized = "/oauth-service/oauth/preauthorized"
	pathExchange      = "/oauth-service/oauth/exchange/user/2.0"
	pathAPI           = "/api"
)

type upstream struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	calls []string

	consumerCalls atomic.Int32
	exchangeCalls atomic.Int32
	resourceCalls atomic.Int32

	// Hooks. A nil hook uses the default behaviour.
	consumer  http.HandlerFunc
	loginPage func() string
	submit    func(form map[string]string) string
	preauth   http.HandlerFunc
	exchange  http.HandlerFunc
	resource  http.HandlerFunc

	// bearerSeq numbers the access tokens minted by the default exchange.
	bearerSeq atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()

	u := &upstream{t: t}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) endpoints() Endpoints {
	return Endpoints{
		Consumer:      u.srv.URL + pathConsumer,
		SSOEmbed:      u.srv.URL + pathEmbed,
		SSOSignin:     u.srv.URL + pathSignin,
		Preauthorized: u.srv.URL + pathPreauthorized,
		Exchange:      u.srv.URL + pathExchange,
		API:           u.srv.URL + pathAPI,
	}
}

func (u *upstream) record(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, name)
}

// Calls returns the endpoints hit so far, in order.
func (u *upstream) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == pathConsumer:
		u.record("consumer")
		u.consumerCalls.Add(1)
		if u.consumer != nil {
			u.consumer(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"consumer_key":    testConsumerKey,
			"consumer_secret": testConsumerSec,
		})

	case r.URL.Path == pathEmbed:
		u.record("embed")
		http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "sso-session", Path: "/"})
		_, _ = io.WriteString(w, "<html><body>embed</body></html>")

	case r.URL.Path == pathSignin && r.Method == http.MethodGet:
		u.record("signin-page")
		if _, err := r.Cookie("SESSION"); err != nil {
			_, _ = io.WriteString(w, "<html><title>Session expired</title></html>")
			return
		}
		if u.loginPage != nil {
			_, _ = io.WriteString(w, u.loginPage())
			return
		}
		_, _ = io.WriteString(w, loginPageHTML(testCSRF))

	case r.URL.Path == pathSignin && r.Method == http.MethodPost:
		u.record("signin-submit")
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		if u.submit != nil {
			_, _ = io.WriteString(w, u.submit(form))
			return
		}
		if form["username"] == testUsername && form["password"] == testPassword && form["_csrf"] == testCSRF {
			_, _ = io.WriteString(w, successPageHTML(testTicket))
			return
		}
		_, _ = io.WriteString(w, "<html><title>GARMIN Authentication Application</title></html>")

	case r.URL.Path == pathPreauthorized:
		u.record("preauthorized")
		if u.preauth != nil {
			u.preauth(w, r)
			return
		}
		if r.URL.Query().Get("ticket") != testTicket || !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "oauth_token="+testLegacyToken+"&oauth_token_secret="+testLegacySec)

	case r.URL.Path == pathExchange:
		u.record("exchange")
		u.exchangeCalls.Add(1)
		if u.exchange != nil {
			u.exchange(w, r)
			return
		}
		u.defaultExchange(w, r)

	case strings.HasPrefix(r.URL.Path, pathAPI):
		u.record("resource")
		u.resourceCalls.Add(1)
		if u.resource != nil {
			u.resource(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"authorization": r.Header.Get("Authorization")})

	default:
		http.NotFound(w, r)
	}
}

func (u *upstream) defaultExchange(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Authorization"), `oauth_token="`+testLegacyToken+`"`) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	n := u.bearerSeq.Add(1)
	access := "bearer-token"
	if n > 1 {
		access = "bearer-token-" + strconv.Itoa(int(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":             access,
		"refresh_token":            "refresh-token",
		"token_type":               "Bearer",
		"expires_in":               3600,
		"refresh_token_expires_in": 86400,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func loginPageHTML(csrf string) string {
	return `<html><head><title>GARMIN Authentication Application</title></head><body>
<form method="post" id="login-form">
<input type="hidden" name="_csrf" value="` + csrf + `" />
</form></body></html>`
}

func successPageHTML(ticket string) string {
	return `<html><head><title>Success</title></head><body><script>
var response_url = "https:\/\/sso.garmin.com\/sso\/embed?ticket=` + ticket + `";
</script></body></html>`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a client wired to u with a quiet logger.
func newTestClient(t *testing.T, u *upstream) *Client {
	t.Helper()

	c := NewClient(u.endpoints())
	c.HTTPClient = u.srv.Client()
	c.Logger = discardLogger()
	return c
}

// testBundle returns a complete bundle whose bearer expires at expiresAt.
func testBundle(expiresAt time.Time) TokenBundle {
	return TokenBundle{
		Legacy: LegacyToken{Token: testLegacyToken, TokenSecret: testLegacySec},
		Bearer: BearerToken{
			AccessToken:           "old-token",
			RefreshToken:          "old-refresh",
			TokenType:             "Bearer",
			ExpiresIn:             3600,
			RefreshTokenExpiresIn: 86400,
			ExpiresAt:             expiresAt.Unix(),
		},
	}
}
