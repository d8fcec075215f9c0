package networking

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError represents a non-2xx HTTP response with status code, a preview of
// the response body, and the response headers. Headers are retained because
// some protocols (DPoP nonce negotiation in particular) carry retry signals
// in error response headers.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Body is a preview of the response body (limited to DefaultErrorPreviewSize).
	Body string

	// Header holds the response headers.
	Header http.Header

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}

// AsHTTPError returns the wrapped HTTPError, if any.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}
