package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/usage"
	"github.com/vnmchuo/reportdesk/pkg/ratelimit"
)

type mockChecker struct {
	result quota.CheckResult
	calls  int
}

func (m *mockChecker) EvaluateQuota(ctx context.Context, tenantID string, requested int64) quota.CheckResult {
	m.calls++
	return m.result
}

func (m *mockChecker) ClaimWarning(ctx context.Context, tenantID string, res *quota.CheckResult) bool {
	return false
}

type mockRecorder struct {
	inputs []usage.Input
	err    error
}

func (m *mockRecorder) Record(ctx context.Context, in usage.Input) error {
	m.inputs = append(m.inputs, in)
	return m.err
}

type mockLimiter struct {
	allow   bool
	err     error
	denials int
	budgets []ratelimit.Budget
}

// AllowTokens denies the first m.denials calls, then answers m.allow.
func (m *mockLimiter) AllowTokens(ctx context.Context, b ratelimit.Budget, n int64) (bool, error) {
	m.budgets = append(m.budgets, b)
	if m.denials > 0 {
		m.denials--
		return false, nil
	}
	return m.allow, m.err
}

type meteredResult struct {
	tokens int64
}

func (r *meteredResult) TokensUsed() int64 { return r.tokens }

var (
	tenantUser = &auth.Identity{Username: "a@x.com", TenantID: "T1", APIKeyID: "k1", RateLimit: 5_000}
	superAdmin = &auth.Identity{Username: "ops@x.com"}
	chatOp     = Op{Name: "assistant.process_message", TokenType: quota.TokenTypeLLM, EstimatedTokens: 500, Model: "gpt-4o-mini"}
)

func metered(n int64) func(context.Context) (*meteredResult, error) {
	return func(context.Context) (*meteredResult, error) { return &meteredResult{tokens: n}, nil }
}

func TestDo_UnscopedBypass(t *testing.T) {
	checker := &mockChecker{}
	rec := &mockRecorder{}
	g := NewGate(checker, rec, nil, nil, nil)

	for _, id := range []*auth.Identity{nil, superAdmin} {
		out, err := Do(context.Background(), g, id, chatOp, metered(100))
		require.NoError(t, err)
		assert.False(t, out.Checked)
		assert.Equal(t, int64(100), out.Value.tokens)
	}

	assert.Zero(t, checker.calls)
	assert.Empty(t, rec.inputs)
}

func TestDo_QuotaExceeded(t *testing.T) {
	checker := &mockChecker{result: quota.CheckResult{Allowed: false, CurrentUsage: 19_999_900, Limit: 20_000_000, Message: "Monthly token quota exceeded"}}
	rec := &mockRecorder{}
	g := NewGate(checker, rec, nil, nil, nil)
	called := false

	_, err := Do(context.Background(), g, tenantUser, chatOp, func(context.Context) (*meteredResult, error) {
		called = true
		return &meteredResult{}, nil
	})

	require.Error(t, err)
	assert.True(t, IsQuotaExceeded(err))
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(19_999_900), qe.CurrentUsage)
	assert.Equal(t, int64(20_000_000), qe.Limit)
	assert.Equal(t, "T1", qe.TenantID)
	assert.False(t, called)
	assert.Empty(t, rec.inputs)
}

func TestDo_RecordsActualTokens(t *testing.T) {
	checker := &mockChecker{result: quota.CheckResult{Allowed: true}}
	rec := &mockRecorder{}
	g := NewGate(checker, rec, nil, nil, nil)
	ctx := auth.WithRequestID(context.Background(), "req-9")

	out, err := Do(ctx, g, tenantUser, chatOp, metered(742))
	require.NoError(t, err)
	assert.True(t, out.Checked)
	assert.Empty(t, out.Warning)

	require.Len(t, rec.inputs, 1)
	in := rec.inputs[0]
	assert.Equal(t, "T1", in.TenantID)
	assert.Equal(t, "a@x.com", in.UserEmail)
	assert.Equal(t, "assistant.process_message", in.APIEndpoint)
	assert.Equal(t, quota.TokenTypeLLM, in.TokenType)
	assert.Equal(t, int64(742), in.TokensUsed)
	assert.Equal(t, "req-9", in.RequestID)
}

func TestDo_UnmeteredAndZeroNotRecorded(t *testing.T) {
	checker := &mockChecker{result: quota.CheckResult{Allowed: true}}
	rec := &mockRecorder{}
	g := NewGate(checker, rec, nil, nil, nil)

	_, err := Do(context.Background(), g, tenantUser, chatOp, func(context.Context) (string, error) { return "plain", nil })
	require.NoError(t, err)
	_, err = Do(context.Background(), g, tenantUser, chatOp, metered(0))
	require.NoError(t, err)

	assert.Equal(t, 2, checker.calls)
	assert.Empty(t, rec.inputs)
}

func TestDo_OperationErrorNotRecorded(t *testing.T) {
	g := NewGate(&mockChecker{result: quota.CheckResult{Allowed: true}}, &mockRecorder{}, nil, nil, nil)
	boom := errors.New("boom")

	_, err := Do(context.Background(), g, tenantUser, chatOp, func(context.Context) (*meteredResult, error) {
		return &meteredResult{tokens: 10}, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, g.recorder.(*mockRecorder).inputs)
}

func TestDo_RecorderFailureDoesNotFailOperation(t *testing.T) {
	rec := &mockRecorder{err: errors.New("db down")}
	g := NewGate(&mockChecker{result: quota.CheckResult{Allowed: true}}, rec, nil, nil, nil)

	out, err := Do(context.Background(), g, tenantUser, chatOp, metered(5))

	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Value.tokens)
	assert.Len(t, rec.inputs, 1)
}

func TestDo_RateLimiter(t *testing.T) {
	allowed := &mockChecker{result: quota.CheckResult{Allowed: true}}

	t.Run("denied", func(t *testing.T) {
		g := NewGate(allowed, &mockRecorder{}, &mockLimiter{allow: false}, nil, nil)
		_, err := Do(context.Background(), g, tenantUser, chatOp, metered(1))
		assert.True(t, IsRateLimited(err))
		assert.False(t, IsQuotaExceeded(err))
	})

	t.Run("budget comes from the key", func(t *testing.T) {
		limiter := &mockLimiter{allow: true}
		g := NewGate(allowed, &mockRecorder{}, limiter, nil, nil)
		_, err := Do(context.Background(), g, tenantUser, chatOp, metered(1))
		require.NoError(t, err)
		require.Len(t, limiter.budgets, 1)
		assert.Equal(t, ratelimit.Budget{TenantID: "T1", KeyID: "k1", TPM: 5_000}, limiter.budgets[0])
	})

	t.Run("limiter error lets request through", func(t *testing.T) {
		g := NewGate(allowed, &mockRecorder{}, &mockLimiter{err: errors.New("redis down")}, nil, nil)
		_, err := Do(context.Background(), g, tenantUser, chatOp, metered(1))
		assert.NoError(t, err)
	})
}

func TestDo_WarningAttachedOnce(t *testing.T) {
	ctx := context.Background()
	ledger := quota.NewLedger(quota.NewMemoryStore(), nil, quota.Options{})
	logger := usage.NewLogger(usage.NewMemoryStore(), ledger, nil, nil)
	g := NewGate(ledger, logger, nil, nil, nil)

	_, err := Do(ctx, g, tenantUser, Op{Name: "ingest", EstimatedTokens: 1}, metered(15_000_001))
	require.NoError(t, err)

	first, err := Do(ctx, g, tenantUser, chatOp, metered(100))
	require.NoError(t, err)
	assert.Contains(t, first.Warning, "Warning")

	second, err := Do(ctx, g, tenantUser, chatOp, metered(100))
	require.NoError(t, err)
	assert.Empty(t, second.Warning)

	summary, err := logger.TenantUsageSummary(ctx, "T1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_201), summary.TotalTokensUsed)
}

func TestDo_RateLimitedRequestKeepsWarning(t *testing.T) {
	ctx := context.Background()
	qs := quota.NewMemoryStore()
	ledger := quota.NewLedger(qs, nil, quota.Options{})
	logger := usage.NewLogger(usage.NewMemoryStore(), ledger, nil, nil)
	_, err := ledger.Accumulate(ctx, "T1", quota.TokenTypeLLM, 15_000_001)
	require.NoError(t, err)

	g := NewGate(ledger, logger, &mockLimiter{allow: true, denials: 1}, nil, nil)

	_, err = Do(ctx, g, tenantUser, chatOp, metered(100))
	require.True(t, IsRateLimited(err))

	u, err := ledger.Peek(ctx, "T1", ledger.CurrentMonth())
	require.NoError(t, err)
	assert.False(t, u.WarningDelivered)

	admitted, err := Do(ctx, g, tenantUser, chatOp, metered(100))
	require.NoError(t, err)
	assert.Contains(t, admitted.Warning, "Warning")

	after, err := Do(ctx, g, tenantUser, chatOp, metered(100))
	require.NoError(t, err)
	assert.Empty(t, after.Warning)
}

func TestDo_QuotaDeniedRequestKeepsWarning(t *testing.T) {
	ctx := context.Background()
	ledger := quota.NewLedger(quota.NewMemoryStore(), nil, quota.Options{})
	logger := usage.NewLogger(usage.NewMemoryStore(), ledger, nil, nil)
	_, err := ledger.Accumulate(ctx, "T1", quota.TokenTypeLLM, 15_000_001)
	require.NoError(t, err)
	g := NewGate(ledger, logger, nil, nil, nil)

	_, err = Do(ctx, g, tenantUser, Op{Name: "bulk", EstimatedTokens: 10_000_000}, metered(1))
	require.True(t, IsQuotaExceeded(err))

	admitted, err := Do(ctx, g, tenantUser, chatOp, metered(100))
	require.NoError(t, err)
	assert.Contains(t, admitted.Warning, "Warning")
}
