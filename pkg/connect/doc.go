/*
Package connect provides an authenticated client for the fitness service's
Connect API.

# Overview

The service has no public OAuth client registration. Credentials are obtained
by driving its single sign-on (SSO) web pages, then exchanged through two
chained protocols:

 1. An SSO ticket is exchanged for an OAuth1 token (LegacyToken), signed with
    a consumer credential fetched from a public bootstrap endpoint.
 2. The OAuth1 token is exchanged for an OAuth2 bearer token (BearerToken).
    The same exchange is repeated whenever the bearer token has to be
    refreshed.

The two tokens together form a TokenBundle, which is what gets exported,
imported and persisted.

# Client and Session

A Client serves a single account. It owns a Session, which holds the
account's TokenBundle and keeps its bearer token fresh:

	client := connect.NewClient(connect.DefaultEndpoints())
	client.Store = store // optional

	if err := client.Login(ctx, username, password); err != nil {
		switch {
		case errors.Is(err, connect.ErrInvalidCredentials):
			// wrong username or password
		case errors.Is(err, connect.ErrAccountLocked):
			// unlock the account first
		default:
			return err
		}
	}

	resp, err := client.Get(ctx, "/userprofile-service/socialProfile")

For several accounts create several clients.

# Token Refresh

Every request checks the bearer token first and refreshes it when expired.
A 401 from the API triggers one refresh and one retry of the request.

Refreshes are coalesced. While one is in flight, every other caller that
needs a fresh token waits for it rather than starting its own, and receives
the same token or the same error. The exchange itself runs detached from
the callers' contexts, so a caller that gives up never leaves the Session
in a half-refreshed state.

# Error Handling

Failures are returned as *Error values. Match them with errors.Is against
the predefined errors:

  - ErrNotAuthenticated: no bundle, call Login or Restore
  - ErrCSRFNotFound, ErrAccountLocked, ErrPhoneUpdateRequired,
    ErrInvalidCredentials: SSO login outcomes
  - ErrConsumerFetchFailed, ErrLegacyExchangeFailed, ErrBearerExchangeFailed:
    token protocol failures, carrying the HTTP status
  - ErrAPIRequestFailed: non-2xx resource API response, carrying the status

# Persistence

Set Client.Store to persist the bundle after login and after every refresh,
and call RestoreFromStore at startup. Export and Restore move a bundle
between processes without recomputing its expiry.

# Thread Safety

Client and Session are safe for concurrent use.
*/
package connect
