package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
	"github.com/vnmchuo/reportdesk/internal/tenant"
)

const (
	DefaultTokenLimit   int64   = 20_000_000
	DefaultWarningRatio float64 = 0.75
	tokensPerMillion    int64   = 1_000_000
)

// LimitSource reads tenant configuration. tenant.Store satisfies it.
type LimitSource interface {
	Get(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

type Options struct {
	DefaultLimit int64
	WarningRatio float64
	Policy       AdmissionPolicy
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
}

// Ledger answers "does this tenant have room for N more tokens this month"
// and owns the running monthly totals.
type Ledger struct {
	store        Store
	tenants      LimitSource
	defaultLimit int64
	warningRatio float64
	policy       AdmissionPolicy
	now          func() time.Time
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

func NewLedger(store Store, tenants LimitSource, opts Options) *Ledger {
	l := &Ledger{
		store:        store,
		tenants:      tenants,
		defaultLimit: opts.DefaultLimit,
		warningRatio: opts.WarningRatio,
		policy:       opts.Policy,
		now:          opts.Now,
		logger:       logging.OrNop(opts.Logger),
		metrics:      opts.Metrics,
	}
	if l.defaultLimit <= 0 {
		l.defaultLimit = DefaultTokenLimit
	}
	if l.warningRatio <= 0 || l.warningRatio > 1 {
		l.warningRatio = DefaultWarningRatio
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// CheckResult is the admission answer for one request.
type CheckResult struct {
	Allowed      bool   `json:"allowed"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Remaining    int64  `json:"remaining"`
	Warning      bool   `json:"warning"`
	Message      string `json:"message"`
	// WarningDue means the warning threshold is reached and still unclaimed.
	WarningDue   bool   `json:"warning_due,omitempty"`
	// Degraded is set when usage could not be read and the policy decided.
	Degraded     bool   `json:"degraded,omitempty"`

	month     string
	projected int64
}

// Accumulation is the outcome of adding tokens to the current month.
type Accumulation struct {
	Usage            *TenantMonthlyUsage
	// WarningTriggered is true only for the call that set FlagWarningSent.
	WarningTriggered bool
}

func (l *Ledger) Policy() AdmissionPolicy {
	return l.policy
}

// CurrentMonth returns the month key for the ledger clock.
func (l *Ledger) CurrentMonth() string {
	return l.now().UTC().Format(MonthLayout)
}

// TokenLimit returns the tenant's monthly limit in tokens. An unset override
// or an unreadable tenant yields the default limit.
func (l *Ledger) TokenLimit(ctx context.Context, tenantID string) int64 {
	limit, err := l.tokenLimit(ctx, tenantID)
	if err != nil {
		l.logger.Warn("tenant token limit unavailable, using default",
			zap.String("tenant_id", tenantID),
			zap.Int64("default_limit", limit),
			zap.Error(err),
		)
	}
	return limit
}

func (l *Ledger) tokenLimit(ctx context.Context, tenantID string) (int64, error) {
	if l.tenants == nil {
		return l.defaultLimit, nil
	}
	t, err := l.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return l.defaultLimit, nil
		}
		return l.defaultLimit, err
	}
	if t.TokenLimitMillions == nil || *t.TokenLimitMillions <= 0 {
		return l.defaultLimit, nil
	}
	return *t.TokenLimitMillions * tokensPerMillion, nil
}

// CurrentMonthUsage returns this month's record, creating it if absent.
func (l *Ledger) CurrentMonthUsage(ctx context.Context, tenantID string) (*TenantMonthlyUsage, error) {
	limit := l.TokenLimit(ctx, tenantID)
	usage, err := l.store.EnsureMonth(ctx, tenantID, l.CurrentMonth(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly usage: %w", err)
	}
	return usage, nil
}

// Peek reads a month without creating it. A missing record yields nil, nil.
func (l *Ledger) Peek(ctx context.Context, tenantID, month string) (*TenantMonthlyUsage, error) {
	usage, err := l.store.GetMonth(ctx, tenantID, month)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read monthly usage: %w", err)
	}
	return usage, nil
}

// CheckQuota admits a request iff current + requested <= limit. The warning
// is reported once per month, to the first caller whose projected total
// reaches the warning threshold.
func (l *Ledger) CheckQuota(ctx context.Context, tenantID string, requested int64) CheckResult {
	res := l.EvaluateQuota(ctx, tenantID, requested)
	l.ClaimWarning(ctx, tenantID, &res)
	return res
}

// EvaluateQuota is CheckQuota without claiming the month's warning. WarningDue
// is set when the projected total reaches the threshold and the warning has
// not been delivered yet.
func (l *Ledger) EvaluateQuota(ctx context.Context, tenantID string, requested int64) CheckResult {
	if requested < 0 {
		requested = 0
	}

	limit, err := l.tokenLimit(ctx, tenantID)
	if err != nil {
		l.logger.Warn("tenant token limit unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		if l.policy == FailClosed {
			return l.degraded(tenantID, requested, err)
		}
	}

	month := l.CurrentMonth()
	usage, err := l.store.EnsureMonth(ctx, tenantID, month, limit)
	if err != nil {
		return l.degraded(tenantID, requested, err)
	}

	current := usage.TotalTokensUsed
	projected := current + requested
	res := CheckResult{
		Allowed:      projected <= limit,
		CurrentUsage: current,
		Limit:        limit,
		Remaining:    max(limit-projected, 0),
		month:        month,
		projected:    projected,
	}

	if !res.Allowed {
		res.Message = fmt.Sprintf("Monthly token quota exceeded: %s of %s tokens used, %d more requested. Contact your administrator to raise the limit or wait for the next billing period.",
			millions(current), millions(limit), requested)
		l.metrics.QuotaDecision("denied")
		l.logger.Info("quota denied",
			zap.String("tenant_id", tenantID),
			zap.Int64("current_usage", current),
			zap.Int64("requested", requested),
			zap.Int64("limit", limit),
		)
		return res
	}

	l.metrics.QuotaDecision("allowed")
	res.Message = fmt.Sprintf("%s of %s tokens used this month.", millions(current), millions(limit))
	res.WarningDue = l.reachesThreshold(projected, limit) && !usage.WarningDelivered
	return res
}

// ClaimWarning claims the month's one-shot warning for an admitted result
// from EvaluateQuota. Only the winning caller gets Warning and the warning
// message; it reports whether res now carries the warning.
func (l *Ledger) ClaimWarning(ctx context.Context, tenantID string, res *CheckResult) bool {
	if res == nil || !res.Allowed || !res.WarningDue {
		return false
	}
	res.WarningDue = false

	claimed, err := l.store.ClaimFlag(ctx, tenantID, res.month, FlagWarningDelivered)
	if err != nil {
		l.logger.Warn("failed to claim quota warning", zap.String("tenant_id", tenantID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}
	res.Warning = true
	res.Message = fmt.Sprintf("Warning: this request brings monthly usage to %s of %s tokens (%.1f%%).",
		millions(res.projected), millions(res.Limit), percent(res.projected, res.Limit))
	l.metrics.QuotaWarning()
	return true
}

func (l *Ledger) degraded(tenantID string, requested int64, err error) CheckResult {
	l.logger.Error("quota check failed",
		zap.String("tenant_id", tenantID),
		zap.String("policy", l.policy.String()),
		zap.Error(err),
	)
	res := CheckResult{
		Limit:    l.defaultLimit,
		Degraded: true,
	}
	if l.policy == FailClosed {
		res.Message = "Quota service unavailable; request rejected."
		l.metrics.QuotaDecision("fail_closed")
		return res
	}
	res.Allowed = true
	res.Remaining = max(l.defaultLimit-requested, 0)
	res.Message = "Quota service unavailable; request allowed."
	l.metrics.QuotaDecision("fail_open")
	return res
}

// Accumulate adds n tokens of the given type to the current month and sets
// the warning-sent flag the first time the total reaches the threshold.
func (l *Ledger) Accumulate(ctx context.Context, tenantID string, tokenType TokenType, n int64) (*Accumulation, error) {
	if _, err := ParseTokenType(string(tokenType)); err != nil {
		return nil, err
	}

	limit := l.TokenLimit(ctx, tenantID)
	month := l.CurrentMonth()

	usage, err := l.store.AddTokens(ctx, tenantID, month, tokenType, n, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to add tokens: %w", err)
	}

	acc := &Accumulation{Usage: usage}
	if usage.WarningSent || !l.reachesThreshold(usage.TotalTokensUsed, limit) {
		return acc, nil
	}

	claimed, err := l.store.ClaimFlag(ctx, tenantID, month, FlagWarningSent)
	if err != nil {
		return acc, fmt.Errorf("failed to set warning flag: %w", err)
	}
	if claimed {
		usage.WarningSent = true
		acc.WarningTriggered = true
		l.logger.Warn("tenant crossed monthly quota warning threshold",
			zap.String("tenant_id", tenantID),
			zap.String("month", month),
			zap.Int64("total_tokens_used", usage.TotalTokensUsed),
			zap.Int64("limit", limit),
		)
	}
	return acc, nil
}

func (l *Ledger) reachesThreshold(total, limit int64) bool {
	return float64(total) >= l.warningRatio*float64(limit)
}

func millions(n int64) string {
	return fmt.Sprintf("%.1fM", float64(n)/float64(tokensPerMillion))
}

func percent(n, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit) * 100
}
