package jwtx

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Claims are the claims carried by upstream access tokens. Only the fields
// worth showing to a user are decoded; anything else is ignored.
type Claims struct {
	jwt.RegisteredClaims

	// ClientID of the application the token was minted for.
	ClientID string `json:"client_id,omitempty"`

	// Scope lists the granted permissions.
	Scope []string `json:"scope,omitempty"`

	// UserGUID identifies the account.
	UserGUID string `json:"garmin_guid,omitempty"`
}

// ValidateExpiryWithLeeway checks exp and nbf at now, allowing leeway for
// clock skew.
func (c *Claims) ValidateExpiryWithLeeway(now time.Time, leeway time.Duration) error {
	// Check After Leeway
	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}

	// Check Before Leeway
	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-leeway)) {
		return ErrNotYetValid
	}

	return nil
}

// ExpiresIn returns the time left until exp, or zero when exp is absent or
// already passed.
func (c *Claims) ExpiresIn(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return max(c.ExpiresAt.Sub(now), 0)
}
