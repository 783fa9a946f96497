package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const defaultRequestTimeout = 10 * time.Second

// Client is the shared HTTP client for all connectors. Each upstream host
// gets its own token-bucket limiter so one chatty provider cannot starve
// the others.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a client with the given per-request timeout.
// A non-positive timeout falls back to the default 10s.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limiter, ok := c.limiters[host]; ok {
		return limiter
	}
	// 5 requests per second with burst of 10 per upstream host.
	limiter := rate.NewLimiter(rate.Every(time.Second/5), 10)
	c.limiters[host] = limiter
	return limiter
}

// GetJSON performs a single GET against rawURL with the given query
// parameters and decodes the JSON response into out. It makes exactly one
// attempt; retry policy belongs to the caller.
func (c *Client) GetJSON(ctx context.Context, service, rawURL string, params url.Values, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return permanentErr(service, errors.Wrap(err, "invalid upstream url"))
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return transientErr(service, errors.Wrap(err, "rate limiter wait"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return permanentErr(service, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return transientErr(service, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transientErr(service, errors.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return permanentErr(service, errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transientErr(service, errors.Wrap(err, "failed to read response body"))
	}
	if err := json.Unmarshal(body, out); err != nil {
		// Truncated or garbled bodies have been observed from these
		// providers under load; treat them like a flaky response.
		return transientErr(service, errors.Wrap(err, "failed to decode response body"))
	}
	return nil
}
