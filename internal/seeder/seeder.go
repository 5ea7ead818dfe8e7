// Package seeder creates development data: one tenant with a quota override,
// a tenant user key and a super-admin key.
package seeder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/tenant"
)

const (
	TestAPIKey             = "test-api-key-12345"
	TestAdminAPIKey        = "test-admin-key-12345"
	TestTenantID           = "00000000-0000-0000-0000-000000000001"
	TestUserEmail          = "analyst@example.com"
	TestAdminEmail         = "ops@example.com"
	TestTokenLimitMillions = 5
	testRateLimitTPM       = 1000000
)

// Seed is idempotent for the tenant; keys that already exist are skipped.
func Seed(ctx context.Context, tenants tenant.Store, keys auth.Store, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	limit := int64(TestTokenLimitMillions)
	if err := tenants.Upsert(ctx, &tenant.Tenant{
		ID:                 TestTenantID,
		Name:               "Demo Tenant",
		TokenLimitMillions: &limit,
		Status:             "active",
	}); err != nil {
		return fmt.Errorf("failed to seed tenant: %w", err)
	}
	logger.Info("seeded tenant", zap.String("tenant_id", TestTenantID), zap.Int64("token_limit_millions", limit))

	seedKey(ctx, keys, logger, TestAPIKey, &auth.APIKey{TenantID: TestTenantID, UserEmail: TestUserEmail})
	seedKey(ctx, keys, logger, TestAdminAPIKey, &auth.APIKey{UserEmail: TestAdminEmail})
	return nil
}

func seedKey(ctx context.Context, keys auth.Store, logger *zap.Logger, raw string, k *auth.APIKey) {
	k.KeyHash = auth.HashKey(raw)
	k.RateLimit = testRateLimitTPM
	k.Active = true

	if err := keys.Create(ctx, k); err != nil {
		logger.Info("api key may already exist, skipping", zap.String("user_email", k.UserEmail), zap.Error(err))
		return
	}
	logger.Info("seeded api key",
		zap.String("key", raw),
		zap.String("user_email", k.UserEmail),
		zap.String("tenant_id", k.TenantID),
	)
}
