package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/dvpsettle/internal/registry"
)

func TestSetAuthorized(t *testing.T) {
	ctx := context.Background()

	t.Run("should authorize and deauthorize accounts as admin", func(t *testing.T) {
		reg := registry.NewRegistry("admin", nil)

		require.NoError(t, reg.SetAuthorized(ctx, "admin", "seller", true))
		assert.True(t, reg.IsAuthorized("seller"))

		require.NoError(t, reg.SetAuthorized(ctx, "admin", "seller", false))
		assert.False(t, reg.IsAuthorized("seller"))
	})

	t.Run("should be idempotent", func(t *testing.T) {
		reg := registry.NewRegistry("admin", nil)

		require.NoError(t, reg.SetAuthorized(ctx, "admin", "buyer", true))
		require.NoError(t, reg.SetAuthorized(ctx, "admin", "buyer", true))
		assert.True(t, reg.IsAuthorized("buyer"))

		require.NoError(t, reg.SetAuthorized(ctx, "admin", "outsider", false))
		assert.False(t, reg.IsAuthorized("outsider"))
	})

	t.Run("should reject non-admin callers", func(t *testing.T) {
		reg := registry.NewRegistry("admin", nil)

		err := reg.SetAuthorized(ctx, "intruder", "intruder", true)
		assert.ErrorIs(t, err, registry.ErrPermissionDenied)
		assert.False(t, reg.IsAuthorized("intruder"))
	})
}

func TestIsAuthorized(t *testing.T) {
	t.Run("should report false for unknown accounts", func(t *testing.T) {
		reg := registry.NewRegistry("admin", nil)
		assert.False(t, reg.IsAuthorized("nobody"))
	})

	t.Run("should not implicitly authorize the admin", func(t *testing.T) {
		reg := registry.NewRegistry("admin", nil)
		assert.False(t, reg.IsAuthorized("admin"))
	})
}
