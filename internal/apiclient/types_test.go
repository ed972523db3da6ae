package apiclient

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		url        string
		message    string
		expected   string
	}{
		{
			name:       "not found",
			statusCode: http.StatusNotFound,
			url:        "https://api.venuehq.test/bookings",
			message:    "no such booking",
			expected:   "HTTP 404 for URL https://api.venuehq.test/bookings: no such booking",
		},
		{
			name:       "server error without message",
			statusCode: http.StatusInternalServerError,
			url:        "https://api.venuehq.test/attendance",
			message:    "",
			expected:   "HTTP 500 for URL https://api.venuehq.test/attendance: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := NewHTTPError(tt.statusCode, tt.url, tt.message)
			assert.Equal(t, tt.expected, err.Error())
			assert.Equal(t, tt.statusCode, err.StatusCode)
		})
	}
}

func TestResponse_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		statusCode  int
		success     bool
		serverError bool
	}{
		{statusCode: 200, success: true},
		{statusCode: 201, success: true},
		{statusCode: 299, success: true},
		{statusCode: 301},
		{statusCode: 401},
		{statusCode: 404},
		{statusCode: 499},
		{statusCode: 500, serverError: true},
		{statusCode: 503, serverError: true},
	}

	for _, tt := range tests {
		resp := &Response{StatusCode: tt.statusCode}
		assert.Equal(t, tt.success, resp.IsSuccess(), "status %d", tt.statusCode)
		assert.Equal(t, tt.serverError, resp.IsServerError(), "status %d", tt.statusCode)
	}
}
