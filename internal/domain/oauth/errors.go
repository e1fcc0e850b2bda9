package oauth

import "errors"

var (
	// ErrClientNotFound signals an unknown client_id.
	ErrClientNotFound = errors.New("oauth: client not found")
	// ErrRedirectMismatch indicates a redirect_uri not registered for the client.
	ErrRedirectMismatch = errors.New("oauth: redirect_uri not registered for this client")
	// ErrInvalidState indicates the correlation state is unknown or expired.
	// Terminal: the caller must restart the authorization flow.
	ErrInvalidState = errors.New("oauth: invalid or expired state")
	// ErrGrantInvalid covers bad, expired, or reused authorization codes,
	// a missing PKCE verifier, and PKCE verification failures.
	ErrGrantInvalid = errors.New("oauth: invalid grant")
	// ErrNoUpstreamAccount signals that no Fathom account is connected for the user.
	ErrNoUpstreamAccount = errors.New("oauth: no fathom account connected")
	// ErrUpstreamRevoked indicates the Fathom refresh token was rejected.
	// Not retryable; the user must reconnect their account.
	ErrUpstreamRevoked = errors.New("oauth: fathom session expired or was revoked")
	// ErrUpstreamUnavailable indicates a transient upstream failure. Retryable.
	ErrUpstreamUnavailable = errors.New("oauth: fathom unavailable")
	// ErrTokenInvalid indicates a missing, expired, or unknown bearer token.
	ErrTokenInvalid = errors.New("oauth: token invalid")
)
