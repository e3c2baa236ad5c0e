package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the portion of an HTTP exchange the sync engine cares about.
type Response struct {
	StatusCode int
	Body       []byte
	// ServerTime is the server's Date header when present, zero otherwise.
	// The conflict resolver prefers it over local clocks.
	ServerTime time.Time
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Retryable reports whether the failure is worth retrying: network-level
// errors are signalled separately, so this covers 5xx and 429 responses.
// 4xx responses other than 429 indicate a bad request that will never
// succeed.
func (r *Response) Retryable() bool {
	return r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests
}

// Client performs remote calls on behalf of the queue drain and domain
// refresh paths. Implementations must honor the context deadline.
type Client interface {
	Perform(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error)
}

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds a client. Per-request deadlines come from the caller's
// context, so no transport-level timeout is set.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{}}
}

// Perform issues one HTTP request and reads the full response body.
func (c *HTTPClient) Perform(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Body: payload}
	if date := resp.Header.Get("Date"); date != "" {
		if parsed, err := http.ParseTime(date); err == nil {
			out.ServerTime = parsed.UTC()
		}
	}
	return out, nil
}
