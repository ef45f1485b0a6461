package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/db"
)

func newTestAuthService(t *testing.T, secret string) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Queries:        db.New(nil),
		Secret:         secret,
		AccessTokenTTL: 15 * time.Minute,
	})
	require.NoError(t, err)
	return svc
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := newTestAuthService(t, "test-secret")

	token, expiry, err := svc.signAccessToken("user-1", []string{"owner", "admin"})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(15*time.Minute), expiry, 5*time.Second)

	identity, err := svc.ParseAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", identity.UserID)
	require.Equal(t, []string{"owner", "admin"}, identity.Roles)
}

func TestAccessTokenExpiry(t *testing.T) {
	svc := newTestAuthService(t, "test-secret")

	issued := time.Now().Add(-time.Hour)
	svc.WithNow(func() time.Time { return issued })
	token, _, err := svc.signAccessToken("user-1", nil)
	require.NoError(t, err)

	svc.WithNow(time.Now)
	_, err = svc.ParseAccessToken(token)
	require.Error(t, err)
}

func TestAccessTokenWrongSecret(t *testing.T) {
	good := newTestAuthService(t, "secret-a")
	bad := newTestAuthService(t, "secret-b")

	token, _, err := good.signAccessToken("user-1", nil)
	require.NoError(t, err)

	_, err = bad.ParseAccessToken(token)
	require.Error(t, err)
}

func TestParseAccessTokenRejectsGarbage(t *testing.T) {
	svc := newTestAuthService(t, "test-secret")
	for _, tok := range []string{"", "   ", "not.a.jwt", "a.b"} {
		_, err := svc.ParseAccessToken(tok)
		require.Error(t, err, "token %q", tok)
	}
}
