package resilience

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient wraps a net/http client with retries, backoff, and an optional
// circuit breaker. Request bodies are buffered once so retries are safe.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	MaxAttempts int
	BaseDelay   time.Duration
	JitterPct   float64
	Target      string
	Logger      *zerolog.Logger
}

// Do executes the request with retries. A response with a 5xx status or a
// transport error counts as a failure; 4xx responses are returned to the
// caller without retrying since another attempt cannot change the outcome.
// When the final attempt still yields a 5xx response, that response is
// returned so callers can inspect the upstream error body.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.Breaker != nil && !c.Breaker.Allow() {
			return nil, ErrOpenCircuit
		}
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			if c.Breaker != nil {
				c.Breaker.Report(true)
			}
			return resp, nil
		}

		if c.Breaker != nil {
			c.Breaker.Report(false)
		}
		last := attempt == attempts
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%s: upstream status %d", c.Target, resp.StatusCode)
			if last {
				return resp, nil
			}
			resp.Body.Close()
		}
		if c.Logger != nil {
			c.Logger.Warn().
				Str("target", c.Target).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("http_attempt_failed")
		}
		if last {
			break
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(Backoff(c.BaseDelay, attempt, c.JitterPct)):
		}
	}
	return nil, lastErr
}

// Get is a convenience wrapper for context-aware GET requests.
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
