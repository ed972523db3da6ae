package apiclient

import (
	"errors"
	"fmt"
)

// ErrSuspended is returned when the circuit breaker rejects a call locally
// without reaching the network.
var ErrSuspended = errors.New("outbound API calls are suspended")

// HTTPError represents an HTTP error response
type HTTPError struct {
	// StatusCode is the HTTP status code
	StatusCode int

	// URL is the URL that was requested
	URL string

	// Message is the status message
	Message string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTPError
func NewHTTPError(statusCode int, url, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// Response is the generic result of an outbound call. Non-2xx statuses are
// passed through to the caller rather than converted to errors; the caller
// decides what a given status means for its operation.
type Response struct {
	// StatusCode is the HTTP status code
	StatusCode int

	// Body is the raw response body
	Body []byte
}

// IsSuccess reports whether the response status is in the 2xx range
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsServerError reports whether the response status is in the 5xx range
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500 && r.StatusCode < 600
}
