package common_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/common"
)

func TestUserIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := common.UserID(ctx)
	require.False(t, ok)

	ctx = common.WithUserID(ctx, "user-1")
	id, ok := common.UserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", id)
}

func TestRoles(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, common.Roles(ctx))
	require.False(t, common.HasRole(ctx, "admin"))

	ctx = common.WithRoles(ctx, []string{"owner", "admin"})
	require.Equal(t, []string{"owner", "admin"}, common.Roles(ctx))
	require.True(t, common.HasRole(ctx, "admin"))
	require.False(t, common.HasRole(ctx, "moderator"))
}

func TestToUUIDRoundTrip(t *testing.T) {
	id, err := common.ToUUID("7f9c24e5-2f0b-4a3d-9c1e-5b8a6d4f3e21")
	require.NoError(t, err)
	require.True(t, id.Valid)
	require.Equal(t, "7f9c24e5-2f0b-4a3d-9c1e-5b8a6d4f3e21", common.UUIDString(id))

	_, err = common.ToUUID("not-a-uuid")
	require.Error(t, err)
}

func TestSha256Hex(t *testing.T) {
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		common.Sha256Hex("hello"))
	require.Len(t, common.Sha256Hex(""), 64)
}
