package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxTokenBodySize caps how much of a token endpoint response is read.
const maxTokenBodySize = 1 << 20

// exchangeTicket trades an SSO ticket for an OAuth1 token. The request is
// signed with the consumer credential only.
func (c *Client) exchangeTicket(
	ctx context.Context,
	httpClient *http.Client,
	consumer ConsumerCredential,
	ticket string,
) (LegacyToken, error) {
	endpoint := c.Endpoints.Preauthorized

	params := url.Values{
		"ticket":             {ticket},
		"login-url":          {c.Endpoints.SSOEmbed},
		"accepts-mfa-tokens": {"true"},
	}
	rawURL := endpoint + "?" + params.Encode()

	headers, err := NewSigner(consumer).Sign(http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return LegacyToken{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return LegacyToken{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", headers.Get("Authorization"))
	req.Header.Set("User-Agent", c.APIUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return LegacyToken{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodySize))
	if err != nil {
		return LegacyToken{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LegacyToken{}, ErrLegacyExchangeFailed.withResponse(endpoint, resp.StatusCode)
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return LegacyToken{}, ErrLegacyExchangeFailed.withResponse(endpoint, resp.StatusCode).wrap(err)
	}

	token := LegacyToken{
		Token:       values.Get("oauth_token"),
		TokenSecret: values.Get("oauth_token_secret"),
	}
	if token.Token == "" || token.TokenSecret == "" {
		err := ErrLegacyExchangeFailed.withResponse(endpoint, resp.StatusCode)
		err.Description = "response is missing oauth_token or oauth_token_secret"
		return LegacyToken{}, err
	}

	return token, nil
}

// exchangeBearer mints a bearer token from an OAuth1 token. This is both
// the last step of the login flow and the refresh operation.
func (c *Client) exchangeBearer(
	ctx context.Context,
	httpClient *http.Client,
	legacy LegacyToken,
) (BearerToken, error) {
	endpoint := c.Endpoints.Exchange

	consumer, err := c.Consumer(ctx)
	if err != nil {
		return BearerToken{}, err
	}

	form := url.Values{}
	headers, err := NewSigner(consumer).Sign(http.MethodPost, endpoint, &legacy, form)
	if err != nil {
		return BearerToken{}, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return BearerToken{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", headers.Get("Authorization"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.APIUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return BearerToken{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodySize))
	if err != nil {
		return BearerToken{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BearerToken{}, ErrBearerExchangeFailed.withResponse(endpoint, resp.StatusCode)
	}

	var tokenResp bearerResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return BearerToken{}, ErrBearerExchangeFailed.withResponse(endpoint, resp.StatusCode).wrap(err)
	}
	if tokenResp.AccessToken == "" {
		err := ErrBearerExchangeFailed.withResponse(endpoint, resp.StatusCode)
		err.Description = "response is missing access_token"
		return BearerToken{}, err
	}

	return tokenResp.toBearer(c.now()), nil
}
