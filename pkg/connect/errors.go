package connect

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error Kinds
// ============================================================================

// Kind classifies a failure so callers can tell "your credentials are wrong"
// from "the service is down" from "you must log in again".
type Kind string

const (
	KindNotAuthenticated     Kind = "not_authenticated"
	KindCSRFNotFound         Kind = "csrf_not_found"
	KindAccountLocked        Kind = "account_locked"
	KindPhoneUpdateRequired  Kind = "phone_update_required"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindLegacyExchangeFailed Kind = "legacy_exchange_failed"
	KindBearerExchangeFailed Kind = "bearer_exchange_failed"
	KindConsumerFetchFailed  Kind = "consumer_fetch_failed"
	KindAPIRequestFailed     Kind = "api_request_failed"
	KindInvalidURL           Kind = "invalid_url"
	KindInvalidBundle        Kind = "invalid_bundle"
)

// ============================================================================
// Error - the SDK error type
// ============================================================================

// Error is returned by every Client operation that fails for a reason the
// SDK can classify. Use errors.Is against the predefined values below to
// branch on the kind; the fields carry the context of the specific failure.
type Error struct {
	Kind Kind

	// StatusCode is the HTTP status of the offending response, if any.
	StatusCode int

	// Endpoint is the URL (without query) that produced the failure, if any.
	Endpoint string

	// Description is a human-readable description of the error.
	Description string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d", e.StatusCode)
		if e.Endpoint != "" {
			msg += " from " + e.Endpoint
		}
		msg += ")"
	} else if e.Endpoint != "" {
		msg += " (" + e.Endpoint + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAccountLocked)
// holds for every locked-account failure regardless of its context.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) clone() *Error {
	c := *e
	return &c
}

func (e *Error) withDescription(desc string) *Error {
	c := e.clone()
	c.Description = desc
	return c
}

func (e *Error) withResponse(endpoint string, statusCode int) *Error {
	c := e.clone()
	c.Endpoint = endpoint
	c.StatusCode = statusCode
	return c
}

func (e *Error) wrap(err error) *Error {
	c := e.clone()
	c.Err = err
	return c
}

// ============================================================================
// Predefined Errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when no token bundle is held. Call Login
	// or Restore first.
	ErrNotAuthenticated = &Error{
		Kind:        KindNotAuthenticated,
		Description: "not authenticated, login required",
	}

	// ErrCSRFNotFound is returned when the SSO login page carries no CSRF token.
	ErrCSRFNotFound = &Error{
		Kind:        KindCSRFNotFound,
		Description: "csrf token not found on sso login page",
	}

	// ErrAccountLocked is returned when the SSO reports the account as locked.
	ErrAccountLocked = &Error{
		Kind:        KindAccountLocked,
		Description: "account is locked",
	}

	// ErrPhoneUpdateRequired is returned when the SSO interrupts the login to
	// ask for a phone number update. It must be completed in a browser.
	ErrPhoneUpdateRequired = &Error{
		Kind:        KindPhoneUpdateRequired,
		Description: "phone number update required, complete it in a browser",
	}

	// ErrInvalidCredentials is returned when the SSO response carries no
	// ticket and no other classification matched.
	ErrInvalidCredentials = &Error{
		Kind:        KindInvalidCredentials,
		Description: "invalid username or password",
	}

	// ErrLegacyExchangeFailed is returned when the ticket could not be
	// exchanged for an OAuth1 token.
	ErrLegacyExchangeFailed = &Error{
		Kind:        KindLegacyExchangeFailed,
		Description: "ticket exchange failed",
	}

	// ErrBearerExchangeFailed is returned when the OAuth1 token could not be
	// exchanged for a bearer token.
	ErrBearerExchangeFailed = &Error{
		Kind:        KindBearerExchangeFailed,
		Description: "bearer token exchange failed",
	}

	// ErrConsumerFetchFailed is returned when the consumer credential could
	// not be retrieved.
	ErrConsumerFetchFailed = &Error{
		Kind:        KindConsumerFetchFailed,
		Description: "consumer credential fetch failed",
	}

	// ErrAPIRequestFailed is returned for non-2xx resource API responses.
	ErrAPIRequestFailed = &Error{
		Kind:        KindAPIRequestFailed,
		Description: "api request failed",
	}

	// ErrInvalidURL is returned by the signer for malformed URLs.
	ErrInvalidURL = &Error{
		Kind:        KindInvalidURL,
		Description: "malformed url",
	}

	// ErrInvalidBundle is returned when restoring a partial or undecodable bundle.
	ErrInvalidBundle = &Error{
		Kind:        KindInvalidBundle,
		Description: "invalid token bundle",
	}
)

// apiError builds an ErrAPIRequestFailed from a resource response.
func apiError(endpoint string, statusCode int) *Error {
	err := ErrAPIRequestFailed.withResponse(endpoint, statusCode)
	err.Description = fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode))
	return err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// KindOf returns the Kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
