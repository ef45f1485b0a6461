package payment

import (
	"context"
	"sync"
	"time"
)

// TokenSource supplies short-lived provider access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CachedTokenSource caches a fetched token and reuses it until its expiry,
// minus a safety margin, has passed. Refresh is not single-flighted: two
// callers that observe an expired token concurrently both fetch, and the last
// write wins. Redundant fetches are harmless since the provider issues
// independent tokens.
type CachedTokenSource struct {
	Fetch  func(ctx context.Context) (token string, expiresIn time.Duration, err error)
	Margin time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token returns the cached token while valid, fetching a fresh one otherwise.
func (c *CachedTokenSource) Token(ctx context.Context) (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	margin := c.Margin
	if margin <= 0 {
		margin = time.Minute
	}

	c.mu.Lock()
	if c.token != "" && now().Before(c.expires.Add(-margin)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, expiresIn, err := c.Fetch(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.expires = now().Add(expiresIn)
	c.mu.Unlock()
	return token, nil
}
