package connect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
)

// maxPageSize caps how much of an SSO HTML page is read.
const maxPageSize = 4 << 20

// The SSO has no API, so the login pages are scraped with these patterns.
var (
	csrfPattern   = regexp.MustCompile(`name="_csrf"\s+value="([^"]+)"`)
	titlePattern  = regexp.MustCompile(`(?s)<title>(.+?)</title>`)
	ticketPattern = regexp.MustCompile(`ticket=([^"&'\s\\]+)`)
)

const (
	accountLockedMarker = `status="ACCOUNT_LOCKED"`
	phoneUpdateMarker   = "Update Phone Number"
)

// Login runs the SSO flow for username and password and installs the
// resulting token bundle. The flow stops at the first failing step and
// leaves the current bundle, if any, untouched on failure.
//
// The flow needs cookie continuity across its requests. When HTTPClient has
// no cookie jar, a fresh jar is used for this flow only.
func (c *Client) Login(ctx context.Context, username, password string) error {
	log := c.log(ctx)

	httpClient := c.ssoHTTPClient()

	bundle, err := c.login(ctx, httpClient, username, password)
	if err != nil {
		log.Warn("login failed", "kind", KindOf(err), "error", err)
		return err
	}

	c.session.persist(ctx, c.session.install(*bundle))

	log.Info("login succeeded",
		"token_type", bundle.Bearer.TokenType,
		"expires_at", bundle.Bearer.ExpiresAtTime().UTC(),
	)
	return nil
}

func (c *Client) login(
	ctx context.Context,
	httpClient *http.Client,
	username, password string,
) (*TokenBundle, error) {
	log := c.log(ctx)

	// Step 1: the embed page only establishes session cookies.
	if err := c.ssoEmbed(ctx, httpClient); err != nil {
		return nil, err
	}
	log.Debug("sso session established")

	// Step 2: fetch the login page for its CSRF token.
	csrf, err := c.ssoCSRF(ctx, httpClient)
	if err != nil {
		return nil, err
	}
	log.Debug("sso csrf token obtained")

	// Steps 3 and 4: submit credentials and classify the result.
	ticket, err := c.ssoSubmit(ctx, httpClient, username, password, csrf)
	if err != nil {
		return nil, err
	}
	log.Debug("sso ticket obtained")

	// Step 5: ticket -> OAuth1 token.
	consumer, err := c.Consumer(ctx)
	if err != nil {
		return nil, err
	}
	legacy, err := c.exchangeTicket(ctx, httpClient, consumer, ticket)
	if err != nil {
		return nil, err
	}
	log.Debug("legacy token obtained")

	// Step 6: OAuth1 token -> bearer token.
	bearer, err := c.exchangeBearer(ctx, httpClient, legacy)
	if err != nil {
		return nil, err
	}

	return &TokenBundle{Legacy: legacy, Bearer: bearer}, nil
}

// ssoHTTPClient returns the client used for the SSO flow, guaranteeing a
// cookie jar.
func (c *Client) ssoHTTPClient() *http.Client {
	if c.HTTPClient.Jar != nil {
		return c.HTTPClient
	}
	hc := *c.HTTPClient
	jar, _ := cookiejar.New(nil) // never fails without options
	hc.Jar = jar
	return &hc
}

func (c *Client) ssoBaseURL() string {
	u, err := url.Parse(c.Endpoints.SSOEmbed)
	if err != nil {
		return c.Endpoints.SSOEmbed
	}
	u.Path = strings.TrimSuffix(u.Path, "/embed")
	u.RawQuery = ""
	return u.String()
}

func (c *Client) ssoEmbed(ctx context.Context, httpClient *http.Client) error {
	params := url.Values{
		"id":          {"gauth-widget"},
		"embedWidget": {"true"},
		"gauthHost":   {c.ssoBaseURL()},
	}

	resp, err := c.ssoRequest(ctx, httpClient, http.MethodGet, c.Endpoints.SSOEmbed+"?"+params.Encode(), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (c *Client) signinParams() url.Values {
	embed := c.Endpoints.SSOEmbed
	return url.Values{
		"id":                              {"gauth-widget"},
		"embedWidget":                     {"true"},
		"gauthHost":                       {embed},
		"service":                         {embed},
		"source":                          {embed},
		"redirectAfterAccountLoginUrl":    {embed},
		"redirectAfterAccountCreationUrl": {embed},
	}
}

func (c *Client) signinURL() string {
	return c.Endpoints.SSOSignin + "?" + c.signinParams().Encode()
}

func (c *Client) ssoCSRF(ctx context.Context, httpClient *http.Client) (string, error) {
	page, status, err := c.ssoPage(ctx, httpClient, http.MethodGet, c.signinURL(), nil, c.Endpoints.SSOEmbed)
	if err != nil {
		return "", err
	}

	match := csrfPattern.FindStringSubmatch(page)
	if match == nil {
		if status < 200 || status >= 300 {
			return "", ErrCSRFNotFound.withResponse(c.Endpoints.SSOSignin, status)
		}
		return "", ErrCSRFNotFound
	}
	return match[1], nil
}

func (c *Client) ssoSubmit(
	ctx context.Context,
	httpClient *http.Client,
	username, password, csrf string,
) (string, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
		"embed":    {"true"},
		"_csrf":    {csrf},
	}

	signinURL := c.signinURL()
	page, status, err := c.ssoPage(ctx, httpClient, http.MethodPost, signinURL, form, signinURL)
	if err != nil {
		return "", err
	}

	return classifySigninPage(page, c.Endpoints.SSOSignin, status)
}

// classifySigninPage inspects the HTML returned after submitting
// credentials. The absence of a ticket with no other marker is taken to mean
// the credentials were rejected.
func classifySigninPage(page, endpoint string, status int) (string, error) {
	if strings.Contains(page, accountLockedMarker) {
		return "", ErrAccountLocked.withResponse(endpoint, status)
	}

	if m := titlePattern.FindStringSubmatch(page); m != nil && strings.Contains(m[1], phoneUpdateMarker) {
		return "", ErrPhoneUpdateRequired.withResponse(endpoint, status)
	}

	m := ticketPattern.FindStringSubmatch(page)
	if m == nil {
		return "", ErrInvalidCredentials.withResponse(endpoint, status)
	}
	return m[1], nil
}

// ssoPage performs a request and returns the page body and status.
func (c *Client) ssoPage(
	ctx context.Context,
	httpClient *http.Client,
	method, rawURL string,
	form url.Values,
	referer string,
) (string, int, error) {
	resp, err := c.ssoRequest(ctx, httpClient, method, rawURL, form, referer)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// ssoRequest sends a browser-like request to the SSO.
func (c *Client) ssoRequest(
	ctx context.Context,
	httpClient *http.Client,
	method, rawURL string,
	form url.Values,
	referer string,
) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.SSOUserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", c.ssoOrigin())
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func (c *Client) ssoOrigin() string {
	u, err := url.Parse(c.Endpoints.SSOSignin)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
