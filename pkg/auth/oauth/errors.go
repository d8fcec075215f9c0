// Package oauth implements the browser-redirect OAuth flow against an
// ATProto PDS: server metadata discovery, PKCE, pushed authorization
// requests, code exchange, and token refresh, all with DPoP-bound proofs and
// transparent single-shot nonce renegotiation.
package oauth

import (
	"errors"
	"fmt"
)

// ErrNonceRetryExhausted is returned when the server demands a fresh DPoP
// nonce again after the request was already retried with one. Retrying is
// bounded to a single attempt so a misbehaving server cannot loop us.
var ErrNonceRetryExhausted = errors.New("server demanded a fresh DPoP nonce after retry")

// errUseDPoPNonce is the OAuth error code signalling that the request must be
// repeated with the nonce from the response headers. It is a retry signal,
// not a failure.
const errUseDPoPNonce = "use_dpop_nonce"

// AuthorizationError is a definitive rejection from the authorization
// server, carrying its error code and description.
type AuthorizationError struct {
	// Code is the OAuth error code (e.g. "invalid_grant").
	Code string

	// Description is the server's human-readable error description.
	Description string

	// StatusCode is the HTTP status of the rejection.
	StatusCode int
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization server rejected request: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization server rejected request: %s", e.Code)
}

// IsAuthorizationError returns the wrapped AuthorizationError, if any.
func IsAuthorizationError(err error) (*AuthorizationError, bool) {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// errorResponse is the standard OAuth error response body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
