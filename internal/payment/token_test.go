package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/payment"
)

func TestCachedTokenSourceReuses(t *testing.T) {
	now := testNow
	fetches := 0
	src := &payment.CachedTokenSource{
		Margin: time.Minute,
		Now:    func() time.Time { return now },
		Fetch: func(context.Context) (string, time.Duration, error) {
			fetches++
			return "tok-1", time.Hour, nil
		},
	}

	for i := 0; i < 5; i++ {
		tok, err := src.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-1", tok)
	}
	require.Equal(t, 1, fetches)
}

func TestCachedTokenSourceRefreshesInsideMargin(t *testing.T) {
	now := testNow
	tokens := []string{"tok-1", "tok-2"}
	fetches := 0
	src := &payment.CachedTokenSource{
		Margin: time.Minute,
		Now:    func() time.Time { return now },
		Fetch: func(context.Context) (string, time.Duration, error) {
			tok := tokens[fetches]
			fetches++
			return tok, time.Hour, nil
		},
	}

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// still comfortably valid
	now = testNow.Add(30 * time.Minute)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// within the safety margin of expiry, a fresh token is fetched
	now = testNow.Add(time.Hour - 30*time.Second)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.Equal(t, 2, fetches)
}

func TestCachedTokenSourceFetchError(t *testing.T) {
	wantErr := errors.New("upstream down")
	src := &payment.CachedTokenSource{
		Fetch: func(context.Context) (string, time.Duration, error) {
			return "", 0, wantErr
		},
	}
	_, err := src.Token(context.Background())
	require.ErrorIs(t, err, wantErr)
}
