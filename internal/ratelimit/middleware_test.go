package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/ratelimit"
)

type scriptedLimiter struct {
	allowed   bool
	remaining int
	reset     time.Time
	err       error
}

func (s scriptedLimiter) Allow(context.Context, string, time.Duration, int) (bool, int, time.Time, error) {
	return s.allowed, s.remaining, s.reset, s.err
}

func keyByIP(r *http.Request) string { return r.RemoteAddr }

func serve(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestMiddlewareAllows(t *testing.T) {
	reset := time.Now().Add(time.Minute)
	h := ratelimit.Handler{
		Limiter: scriptedLimiter{allowed: true, remaining: 4, reset: reset},
		Config:  ratelimit.Config{Key: keyByIP, Window: time.Minute, Max: 5},
	}
	rec := serve(h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddlewareBlocks(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	h := ratelimit.Handler{
		Limiter: scriptedLimiter{allowed: false, remaining: 0, reset: reset},
		Config:  ratelimit.Config{Key: keyByIP, Window: time.Minute, Max: 5},
	}
	called := false
	rec := serve(h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.False(t, called)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	var observed error
	h := ratelimit.Handler{
		Limiter: scriptedLimiter{err: errors.New("redis down")},
		Config:  ratelimit.Config{Key: keyByIP, Window: time.Minute, Max: 5},
		OnError: func(err error) { observed = err },
	}
	rec := serve(h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Error(t, observed)
}

func TestStoreLimiterCountsWindow(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := ratelimit.NewRedisStore(client, "rl-test")
	require.NoError(t, err)
	limiter := ratelimit.StoreLimiter{Store: store}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, _, _, err := limiter.Allow(ctx, "login:1.2.3.4", time.Minute, 3)
		require.NoError(t, err)
		require.True(t, allowed, "request %d within limit", i+1)
	}
	allowed, remaining, _, err := limiter.Allow(ctx, "login:1.2.3.4", time.Minute, 3)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)

	// another key is unaffected
	allowed, _, _, err = limiter.Allow(ctx, "login:5.6.7.8", time.Minute, 3)
	require.NoError(t, err)
	require.True(t, allowed)
}
