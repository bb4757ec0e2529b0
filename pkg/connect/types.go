package connect

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Credential Types
// ============================================================================

// ConsumerCredential identifies this client application to the OAuth1 signing
// protocol. It is fetched once from the public bootstrap endpoint and never
// changes for the lifetime of a Client.
type ConsumerCredential struct {
	Key    string `json:"consumer_key"`
	Secret string `json:"consumer_secret"`
}

// LegacyToken is the OAuth1 token pair obtained by exchanging an SSO ticket.
// It is only ever used to mint bearer tokens, never sent to resource APIs.
type LegacyToken struct {
	Token       string `json:"token"`
	TokenSecret string `json:"tokenSecret"`
}

// BearerToken is the OAuth2 token set used to authorize resource API calls.
type BearerToken struct {
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	TokenType             string `json:"tokenType"`
	ExpiresIn             int    `json:"expiresInSeconds"`
	RefreshTokenExpiresIn int    `json:"refreshTokenExpiresInSeconds"`

	// ExpiresAt is the epoch second the access token expires at. It is set
	// once when the token is minted and is the only field consulted for
	// expiry decisions.
	ExpiresAt int64 `json:"expiresAtEpochSeconds"`
}

// Expired reports whether the access token is expired at the given time.
func (b BearerToken) Expired(now time.Time) bool {
	return b.ExpiresAt <= now.Unix()
}

// ExpiresAtTime returns ExpiresAt as a time.Time.
func (b BearerToken) ExpiresAtTime() time.Time {
	return time.Unix(b.ExpiresAt, 0)
}

// RefreshExpiresAt returns when the refresh token stops being accepted,
// derived from the mint time of the bearer token. Informational only.
func (b BearerToken) RefreshExpiresAt() time.Time {
	mintedAt := b.ExpiresAt - int64(b.ExpiresIn)
	return time.Unix(mintedAt+int64(b.RefreshTokenExpiresIn), 0)
}

// TokenBundle is the unit persisted to and restored from a TokenStore.
// A bundle is either complete (legacy and bearer populated) or absent.
type TokenBundle struct {
	Legacy LegacyToken `json:"legacy"`
	Bearer BearerToken `json:"bearer"`
}

// Validate reports whether the bundle is complete.
func (b TokenBundle) Validate() error {
	if b.Legacy.Token == "" || b.Legacy.TokenSecret == "" {
		return ErrInvalidBundle.withDescription("legacy token is incomplete")
	}
	if b.Bearer.AccessToken == "" {
		return ErrInvalidBundle.withDescription("bearer access token is missing")
	}
	return nil
}

// MarshalBundle encodes a bundle in its export format.
func MarshalBundle(b TokenBundle) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBundle decodes and validates an exported bundle.
func UnmarshalBundle(data []byte) (TokenBundle, error) {
	var b TokenBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return TokenBundle{}, ErrInvalidBundle.wrap(err)
	}
	if err := b.Validate(); err != nil {
		return TokenBundle{}, err
	}
	return b, nil
}

// ============================================================================
// Internal Response Types (used for JSON unmarshaling)
// ============================================================================

// bearerResponse is the body returned by the bearer exchange endpoint.
type bearerResponse struct {
	Scope                 string `json:"scope,omitempty"`
	JTI                   string `json:"jti,omitempty"`
	AccessToken           string `json:"access_token"`
	TokenType             string `json:"token_type"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int    `json:"expires_in"`
	RefreshTokenExpiresIn int    `json:"refresh_token_expires_in"`
}

// toBearer converts the wire response, stamping the absolute expiry.
func (r bearerResponse) toBearer(now time.Time) BearerToken {
	return BearerToken{
		AccessToken:           r.AccessToken,
		RefreshToken:          r.RefreshToken,
		TokenType:             r.TokenType,
		ExpiresIn:             r.ExpiresIn,
		RefreshTokenExpiresIn: r.RefreshTokenExpiresIn,
		ExpiresAt:             now.Unix() + int64(r.ExpiresIn),
	}
}
