package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrRangeComplete     = errors.New("http: requested range not satisfiable")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrClientError       = errors.New("http: client error")
	ErrServerError       = errors.New("http: server error")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Zero means no timeout, which blob downloads rely on.
	// Default: 0
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers.
	// Default: 30s
	ResponseHeaderTimeout time.Duration

	// RetryAttempts is the maximum number of retry attempts for Get and Post.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost:   100,
		ResponseHeaderTimeout: 30 * time.Second,
		RetryAttempts:         5,
		RetryBackoff:          time.Second,
		RetryMaxBackoff:       30 * time.Second,
	}
}

// RangeResponse represents a response from a range request.
type RangeResponse struct {
	Body          io.ReadCloser
	ContentLength int64
	// Start is the offset of the first body byte within the resource.
	Start int64
}

// Client is an HTTP client for control files and content blobs.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Get performs a GET request, retrying transient failures.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.do(ctx, http.MethodGet, url, "", nil)
}

// Post performs a POST request with the given body, retrying transient failures.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (io.ReadCloser, error) {
	return c.do(ctx, http.MethodPost, url, contentType, body)
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte) (io.ReadCloser, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			return nil, err
		}

		return resp.Body, nil
	}

	return nil, fmt.Errorf("%s request failed after %d attempts: %w", strings.ToLower(method), c.opts.RetryAttempts+1, lastErr)
}

// OpenFrom opens the resource starting at byte offset with an open-ended
// range request. It makes a single attempt; callers own the retry policy.
// A 416 response yields ErrRangeComplete.
func (c *Client) OpenFrom(ctx context.Context, url string, offset int64) (*RangeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
	}

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, ErrRangeComplete
	case http.StatusPartialContent:
		start := offset
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			s, _, _, err := ParseContentRange(cr)
			if err != nil {
				resp.Body.Close()
				return nil, err
			}
			start = s
		}
		if start != offset {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: asked for offset %d, got %d", ErrRangeNotSupported, offset, start)
		}
		return &RangeResponse{Body: resp.Body, ContentLength: resp.ContentLength, Start: start}, nil
	case http.StatusOK:
		// Servers may ignore the header; that is only acceptable from zero.
		if offset != 0 {
			resp.Body.Close()
			return nil, ErrRangeNotSupported
		}
		return &RangeResponse{Body: resp.Body, ContentLength: resp.ContentLength}, nil
	}

	resp.Body.Close()
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

// Permanent reports whether err is a client-side HTTP failure that retrying
// will not fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrClientError)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %d", ErrClientError, code)
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
