package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/app"
	"github.com/aussiebroadwan/fitlink/internal/fitlink/fitlinktest"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/jwtx"
)

// harness runs CLI invocations against a fake upstream, sharing one sqlite
// database so state carries across commands.
type harness struct {
	t   *testing.T
	u   *fitlinktest.Upstream
	cfg app.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	u := fitlinktest.New(t)
	ep := u.Endpoints()
	dir := t.TempDir()

	cfg := app.DefaultConfig()
	cfg.Endpoints = app.EndpointsConfig{
		Consumer:      ep.Consumer,
		SSOEmbed:      ep.SSOEmbed,
		SSOSignin:     ep.SSOSignin,
		Preauthorized: ep.Preauthorized,
		Exchange:      ep.Exchange,
		API:           ep.API,
	}
	cfg.Store.Driver = app.StoreSQLite
	cfg.Store.DatabaseFile = filepath.Join(dir, "fitlink.db")
	cfg.Store.Dir = dir
	cfg.Store.NoKeyring = true
	cfg.LogOutput = &bytes.Buffer{}
	cfg.RateLimit = app.RateLimitConfig{}

	return &harness{t: t, u: u, cfg: cfg}
}

func (h *harness) load(string) (app.Config, error) { return h.cfg, nil }

func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()

	var out, errOut bytes.Buffer
	err := Run(context.Background(), h.load, args, strings.NewReader(stdin), &out, &errOut)
	return out.String(), err
}

func (h *harness) login() {
	h.t.Helper()

	_, err := h.run(fitlinktest.Password+"\n", "login", "-u", fitlinktest.Username, "--password-stdin")
	require.NoError(h.t, err)
}

func TestLoginStatusLogout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	out, err := h.run(fitlinktest.Password+"\n", "login", "--username", fitlinktest.Username, "--password-stdin")
	require.NoError(t, err)
	require.Contains(t, out, "Logged in (profile default)")

	out, err = h.run("", "status", "--json")
	require.NoError(t, err)
	var st tokenStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.True(t, st.Authenticated)
	require.False(t, st.Expired)
	require.Len(t, st.AccessFingerprint, 43)
	require.NotNil(t, st.RefreshExpiresAt)

	out, err = h.run("", "status")
	require.NoError(t, err)
	require.Contains(t, out, "Profile default: logged in")

	out, err = h.run("", "logout")
	require.NoError(t, err)
	require.Contains(t, out, "Logged out")

	out, err = h.run("", "status")
	require.NoError(t, err)
	require.Contains(t, out, "not logged in")
}

func TestLogin_UsernamePrompt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.run(fitlinktest.Username+"\n"+fitlinktest.Password+"\n", "login", "--password-stdin")
	require.NoError(t, err)
	require.Equal(t, 1, h.u.Count("exchange"))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.run("wrong\n", "login", "-u", fitlinktest.Username, "--password-stdin")
	require.ErrorIs(t, err, connect.ErrInvalidCredentials)
	require.Equal(t, ExitError, ExitCode(err))
}

func TestLogin_EmptyPassword(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.run("", "login", "-u", fitlinktest.Username, "--password-stdin")
	require.ErrorContains(t, err, "empty password")
	require.Empty(t, h.u.Calls())
}

func TestGet_NotAuthenticated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.run("", "get", "/userprofile-service/socialProfile")
	require.ErrorIs(t, err, connect.ErrNotAuthenticated)
	require.Equal(t, ExitNotAuthenticated, ExitCode(err))
}

func TestRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.login()

	out, err := h.run("", "get", "-i", "/userprofile-service/socialProfile")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "200 OK\n"))
	require.Contains(t, out, `"authorization": "Bearer bearer-token"`)
	require.Contains(t, out, `"path": "/userprofile-service/socialProfile"`)

	out, err = h.run("", "delete", "/activity-service/activity/42")
	require.NoError(t, err)
	require.Contains(t, out, `"method": "POST"`)
	require.Contains(t, out, `"override": "DELETE"`)

	// Token from login is reused across invocations.
	require.Equal(t, 1, h.u.Count("exchange"))
}

func TestPost_Bodies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var contentTypes, bodies []string
	h.u.Resource = func(w http.ResponseWriter, r *http.Request) {
		contentTypes = append(contentTypes, r.Header.Get("Content-Type"))
		_ = r.ParseForm()
		if r.Header.Get("Content-Type") == "application/json" {
			var v map[string]any
			_ = json.NewDecoder(r.Body).Decode(&v)
			bodies = append(bodies, fmt.Sprint(v["value"]))
		} else {
			bodies = append(bodies, r.PostForm.Get("a"))
		}
		w.WriteHeader(http.StatusNoContent)
	}
	h.login()

	bodyFile := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(bodyFile, []byte(`{"value": 3}`), 0o600))

	_, err := h.run("", "post", "/weight", "--data", `{"value": 1}`)
	require.NoError(t, err)
	_, err = h.run(`{"value": 2}`, "post", "/weight", "--data", "-")
	require.NoError(t, err)
	_, err = h.run("", "post", "/weight", "--data", "@"+bodyFile)
	require.NoError(t, err)
	_, err = h.run("", "post", "/form", "-F", "a=x")
	require.NoError(t, err)

	require.Equal(t, []string{"1", "2", "3", "x"}, bodies)
	require.Equal(t, "application/x-www-form-urlencoded", contentTypes[3])

	_, err = h.run("", "post", "/weight", "--data", "not json")
	require.ErrorContains(t, err, "not valid JSON")
	_, err = h.run("", "post", "/form", "-F", "novalue")
	require.ErrorContains(t, err, "want key=value")
	_, err = h.run("", "post", "/x", "-d", "{}", "-F", "a=b")
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestExportImport(t *testing.T) {
	t.Parallel()

	source := newHarness(t)
	source.login()

	exported, err := source.run("", "export")
	require.NoError(t, err)
	original, err := connect.UnmarshalBundle([]byte(exported))
	require.NoError(t, err)

	target := newHarness(t)
	out, err := target.run(exported, "import")
	require.NoError(t, err)
	require.Contains(t, out, "Imported token bundle")

	reexported, err := target.run("", "export")
	require.NoError(t, err)
	roundTripped, err := connect.UnmarshalBundle([]byte(reexported))
	require.NoError(t, err)
	require.Equal(t, original, roundTripped, "expiry survives import")

	path := filepath.Join(t.TempDir(), "bundle.json")
	_, err = source.run("", "export", "-o", path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = target.run("", "import", path)
	require.NoError(t, err)

	_, err = target.run(`{"legacy":{}}`, "import")
	require.ErrorIs(t, err, connect.ErrInvalidBundle)
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.login()

	out, err := h.run("", "refresh")
	require.NoError(t, err)
	require.Contains(t, out, "Token refreshed")
	require.Equal(t, 2, h.u.Count("exchange"))

	_, err = h.run("", "get", "/x")
	require.NoError(t, err)
	require.Equal(t, 2, h.u.Count("exchange"), "refreshed token was persisted")
}

func TestHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.run("", "history")
	require.NoError(t, err)
	require.Contains(t, out, "No token history")

	h.login()
	_, err = h.run("", "logout")
	require.NoError(t, err)

	out, err = h.run("", "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "EVENT")
	require.Contains(t, lines[1], "cleared")
	require.Contains(t, lines[2], "saved")

	out, err = h.run("", "history", "--json", "-n", "1")
	require.NoError(t, err)
	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	require.Equal(t, "cleared", events[0]["kind"])
}

func TestHistory_NeedsSQLite(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.run("", "history", "--store", "memory")
	require.ErrorContains(t, err, "needs the sqlite store")
}

func TestRootFlags(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.run("", "status", "--store", "postgres")
	require.ErrorContains(t, err, "unknown store driver")

	out, err := h.run("", "status", "--profile", "work")
	require.NoError(t, err)
	require.Contains(t, out, "Profile work: not logged in")

	// Help needs no application.
	out, err = h.run("", "--help")
	require.NoError(t, err)
	require.Contains(t, out, "login")
}

func TestBuildStatus_Claims(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		ClientID:         "GARMIN_CONNECT_MOBILE_ANDROID",
		Scope:            []string{"CONNECT_READ", "CONNECT_WRITE"},
		UserGUID:         "guid-1",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	bundle := fitlinktest.Bundle(now.Add(-time.Minute).Unix())
	bundle.Bearer.AccessToken = token

	st := buildStatus("default", &bundle, now)
	require.True(t, st.Authenticated)
	require.True(t, st.Expired)
	require.Equal(t, "-1m0s", st.ExpiresIn)
	require.Equal(t, "guid-1", st.UserGUID)
	require.Equal(t, []string{"CONNECT_READ", "CONNECT_WRITE"}, st.Scope)

	require.Equal(t, tokenStatus{Profile: "p"}, buildStatus("p", nil, now))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitNotAuthenticated, ExitCode(fmt.Errorf("x: %w", connect.ErrNotAuthenticated)))
	require.Equal(t, ExitError, ExitCode(connect.ErrAPIRequestFailed))
}
