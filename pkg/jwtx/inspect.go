package jwtx

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Inspect decodes the claims of a JWT without verifying its signature.
//
// The signing keys of upstream access tokens are not published, so the
// result is informational only and must never drive an authorization
// decision. Expiry decisions use the expiry stamped at mint time instead.
func Inspect(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return claims, nil
}
