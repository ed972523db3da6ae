// Package apiclient provides the outbound network boundary for the sync
// engine. Every call funnels through here so the health protocol is applied
// uniformly: the circuit breaker is consulted before dialing, 5xx responses
// feed it, successes clear it, and a 401 triggers the forced-logout
// collaborator exactly once.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/venuehq/sync-engine/internal/health"
	"github.com/venuehq/sync-engine/internal/logger"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "vhq-syncd/1.0"
)

// Client is the interface for outbound API operations
type Client interface {
	// Do performs an HTTP request against the configured backend and returns
	// the response. Transport failures and local suspension are errors; HTTP
	// statuses are passed through in the Response.
	Do(ctx context.Context, method, path string, body []byte) (*Response, error)
}

// LogoutFunc is the forced-logout collaborator callback, registered once at
// startup and invoked on the first 401 of a storm.
type LogoutFunc func()

// DefaultClient is the default Client implementation
type DefaultClient struct {
	baseURL string
	client  *http.Client
	monitor *health.Monitor

	onUnauthorized LogoutFunc
	loggedOut      atomic.Bool
}

// Option configures the client
type Option func(*DefaultClient)

// WithLogoutCallback registers the forced-logout collaborator. A storm of
// concurrent 401s invokes it exactly once; the latch re-arms on the next
// successful response.
func WithLogoutCallback(fn LogoutFunc) Option {
	return func(c *DefaultClient) {
		c.onUnauthorized = fn
	}
}

// WithHTTPClient overrides the underlying HTTP client, for tests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *DefaultClient) {
		c.client = hc
	}
}

// NewDefaultClient creates a client for the given backend base URL.
// If timeout is 0, DefaultTimeout is used.
func NewDefaultClient(baseURL string, timeout time.Duration, monitor *health.Monitor, opts ...Option) *DefaultClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		monitor: monitor,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs an HTTP request through the health protocol
func (c *DefaultClient) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	if c.monitor != nil && !c.monitor.CanMakeAPICall() {
		return nil, ErrSuspended
	}

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Read response body with size limit; +1 to detect an oversized body
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	respBody, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(respBody)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	c.observe(resp.StatusCode, url)

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
	}, nil
}

// observe applies the health protocol to a response status
func (c *DefaultClient) observe(statusCode int, url string) {
	switch {
	case statusCode >= 500:
		if c.monitor != nil {
			c.monitor.RecordServerError()
		}
	case statusCode == http.StatusUnauthorized:
		if c.onUnauthorized != nil && c.loggedOut.CompareAndSwap(false, true) {
			logger.Warnf("Received 401 from %s, triggering forced logout", url)
			c.onUnauthorized()
		}
	case statusCode >= 200 && statusCode < 300:
		// A success means the session works again; re-arm the logout latch so
		// a later 401 storm fires the callback once more.
		c.loggedOut.Store(false)
		if c.monitor != nil {
			c.monitor.ClearServerError()
		}
	}
}
