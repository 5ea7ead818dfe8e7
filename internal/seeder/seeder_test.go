package seeder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/tenant"
)

func TestSeed(t *testing.T) {
	ctx := context.Background()
	tenants := tenant.NewMemoryStore()
	keys := auth.NewMemoryStore()

	require.NoError(t, Seed(ctx, tenants, keys, nil))
	require.NoError(t, Seed(ctx, tenants, keys, nil))

	tn, err := tenants.Get(ctx, TestTenantID)
	require.NoError(t, err)
	require.NotNil(t, tn.TokenLimitMillions)
	assert.Equal(t, int64(TestTokenLimitMillions), *tn.TokenLimitMillions)

	user, err := keys.GetByKey(ctx, TestAPIKey)
	require.NoError(t, err)
	assert.Equal(t, TestTenantID, user.TenantID)

	admin, err := keys.GetByKey(ctx, TestAdminAPIKey)
	require.NoError(t, err)
	assert.Empty(t, admin.TenantID)
}
