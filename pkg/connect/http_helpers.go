package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseSize caps how much of a resource API response is read.
const maxResponseSize = 64 << 20

// Response is a successful resource API response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode decodes the JSON body into target. An empty body leaves target
// untouched.
func (r *Response) Decode(target any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Get issues an authenticated GET. path is relative to the API base URL or
// an absolute URL.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues an authenticated POST. See Do for how body is encoded.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Delete issues an authenticated delete. The upstream only accepts POST, so
// the request goes out as a POST with a method override header.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do issues an authenticated request. A nil body sends nothing, []byte is
// sent as-is, url.Values is form-encoded and anything else is JSON-encoded.
//
// An expired bearer token is refreshed before sending. A 401 response
// triggers one refresh and exactly one retry; any other non-2xx response,
// or a 401 on the retry, is returned as ErrAPIRequestFailed. Transport
// errors are returned as-is without retrying.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	log := c.log(ctx)

	token, fresh, authenticated := c.session.validToken(c.now().Add(c.RefreshLeeway))
	if !authenticated {
		return nil, ErrNotAuthenticated
	}

	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	payload, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	if !fresh {
		log.Debug("bearer token expired, refreshing before request")
		if token, err = c.session.refresh(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.send(ctx, method, target, token, payload, contentType)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		log.Info("request unauthorized, refreshing token and retrying", "endpoint", endpointOf(target))
		if token, err = c.session.refresh(ctx); err != nil {
			return nil, err
		}
		if resp, err = c.send(ctx, method, target, token, payload, contentType); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(endpointOf(target), resp.StatusCode)
	}
	return resp, nil
}

// send performs one request with the given bearer token and reads the body.
func (c *Client) send(
	ctx context.Context,
	method, target, token string,
	payload []byte,
	contentType string,
) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	wireMethod := method
	if method == http.MethodDelete {
		wireMethod = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, wireMethod, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.APIUserAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodDelete {
		req.Header.Set("X-Http-Method-Override", http.MethodDelete)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// resolve turns path into an absolute URL under the API base.
func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if _, err := parseSignableURL(path); err != nil {
			return "", err
		}
		return path, nil
	}

	base, err := parseSignableURL(c.Endpoints.API)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", ErrInvalidURL.wrap(err)
	}

	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

// endpointOf strips the query so errors and logs never carry parameters.
func endpointOf(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/json", nil
	case url.Values:
		return []byte(b.Encode()), "application/x-www-form-urlencoded", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, "application/json", nil
	}
}
