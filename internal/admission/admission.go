// Package admission wraps token-consuming operations with a tenant quota
// check before the call and usage recording after it.
package admission

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/usage"
	"github.com/vnmchuo/reportdesk/pkg/ratelimit"
)

// QuotaExceededError rejects a tenant whose monthly quota cannot cover the
// estimated cost of the operation.
type QuotaExceededError struct {
	TenantID     string
	CurrentUsage int64
	Limit        int64
	Remaining    int64
	Message      string
}

func (e *QuotaExceededError) Error() string {
	return e.Message
}

// RateLimitedError rejects a burst over the tenant's tokens-per-minute budget.
type RateLimitedError struct {
	TenantID string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("tenant %s exceeded its per-minute token budget", e.TenantID)
}

func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

func IsRateLimited(err error) bool {
	var re *RateLimitedError
	return errors.As(err, &re)
}

// Checker is the slice of quota.Ledger the gate drives. The warning is
// claimed separately so only an admitted request can consume it.
type Checker interface {
	EvaluateQuota(ctx context.Context, tenantID string, requested int64) quota.CheckResult
	ClaimWarning(ctx context.Context, tenantID string, res *quota.CheckResult) bool
}

type Recorder interface {
	Record(ctx context.Context, in usage.Input) error
}

// TokenLimiter is the optional per-minute guard; ratelimit.Limiter satisfies it.
type TokenLimiter interface {
	AllowTokens(ctx context.Context, b ratelimit.Budget, n int64) (bool, error)
}

// Metered results report the tokens the operation actually consumed.
type Metered interface {
	TokensUsed() int64
}

// Op describes the wrapped operation.
type Op struct {
	// Name is recorded as the usage entry's api endpoint.
	Name            string
	TokenType       quota.TokenType
	EstimatedTokens int64
	Model           string
}

// Outcome is the wrapped operation's value plus what the gate learned.
type Outcome[T any] struct {
	Value   T
	// Warning is the quota warning message, set at most once per tenant month.
	Warning string
	// Checked is false for unscoped callers.
	Checked bool
}

type Gate struct {
	quota    Checker
	recorder Recorder
	limiter  TokenLimiter
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewGate builds a gate. limiter may be nil.
func NewGate(q Checker, recorder Recorder, limiter TokenLimiter, tracer trace.Tracer, logger *zap.Logger) *Gate {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("admission")
	}
	return &Gate{
		quota:    q,
		recorder: recorder,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logging.OrNop(logger),
	}
}

// Check runs the pre-flight checks for a scoped caller and returns the quota
// warning, if any. The warning is claimed only once both the quota and the
// rate limiter have admitted the request.
func (g *Gate) Check(ctx context.Context, id *auth.Identity, op Op) (string, error) {
	if !id.Scoped() {
		return "", nil
	}

	ctx, span := g.tracer.Start(ctx, "admission.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", id.TenantID),
		attribute.String("operation", op.Name),
		attribute.Int64("estimated_tokens", op.EstimatedTokens),
	)

	res := g.quota.EvaluateQuota(ctx, id.TenantID, op.EstimatedTokens)
	span.SetAttributes(attribute.Bool("allowed", res.Allowed), attribute.Bool("degraded", res.Degraded))
	if !res.Allowed {
		return "", &QuotaExceededError{
			TenantID:     id.TenantID,
			CurrentUsage: res.CurrentUsage,
			Limit:        res.Limit,
			Remaining:    res.Remaining,
			Message:      res.Message,
		}
	}

	if g.limiter != nil {
		budget := ratelimit.Budget{TenantID: id.TenantID, KeyID: id.APIKeyID, TPM: id.RateLimit}
		ok, err := g.limiter.AllowTokens(ctx, budget, op.EstimatedTokens)
		if err != nil {
			g.logger.Warn("rate limiter unavailable", zap.String("tenant_id", id.TenantID), zap.Error(err))
		} else if !ok {
			return "", &RateLimitedError{TenantID: id.TenantID}
		}
	}

	if g.quota.ClaimWarning(ctx, id.TenantID, &res) {
		span.SetAttributes(attribute.Bool("quota_warning", true))
		return res.Message, nil
	}
	return "", nil
}

// Settle records tokensUsed for a scoped caller. Zero or negative counts are
// not recorded.
func (g *Gate) Settle(ctx context.Context, id *auth.Identity, op Op, tokensUsed int64) {
	if !id.Scoped() || tokensUsed <= 0 || g.recorder == nil {
		return
	}
	in := usage.Input{
		TenantID:    id.TenantID,
		UserEmail:   id.Username,
		APIEndpoint: op.Name,
		TokenType:   op.TokenType,
		TokensUsed:  tokensUsed,
		Model:       op.Model,
		RequestID:   auth.GetRequestID(ctx),
	}
	if in.TokenType == "" {
		in.TokenType = quota.TokenTypeLLM
	}
	if err := g.recorder.Record(ctx, in); err != nil {
		g.logger.Error("failed to record usage",
			zap.String("tenant_id", id.TenantID),
			zap.String("api_endpoint", op.Name),
			zap.Int64("tokens_used", tokensUsed),
			zap.Error(err),
		)
	}
}

// Do runs fn behind the gate. Unscoped callers run unchecked and unrecorded.
// A usage recording failure is logged and never fails the operation.
func Do[T any](ctx context.Context, g *Gate, id *auth.Identity, op Op, fn func(context.Context) (T, error)) (Outcome[T], error) {
	var out Outcome[T]
	if !id.Scoped() {
		v, err := fn(ctx)
		out.Value = v
		return out, err
	}

	warning, err := g.Check(ctx, id, op)
	if err != nil {
		return out, err
	}
	out.Checked = true
	out.Warning = warning

	v, err := fn(ctx)
	out.Value = v
	if err != nil {
		return out, err
	}

	if m, ok := any(v).(Metered); ok {
		g.Settle(ctx, id, op, m.TokensUsed())
	}
	return out, nil
}
