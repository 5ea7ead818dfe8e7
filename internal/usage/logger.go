package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
)

// Ledger is the slice of quota.Ledger the logger drives.
type Ledger interface {
	Accumulate(ctx context.Context, tenantID string, tokenType quota.TokenType, n int64) (*quota.Accumulation, error)
	Peek(ctx context.Context, tenantID, month string) (*quota.TenantMonthlyUsage, error)
	TokenLimit(ctx context.Context, tenantID string) int64
	CurrentMonth() string
}

// Input describes one billable call. RequestID is optional.
type Input struct {
	TenantID    string          `json:"tenant_id"`
	UserEmail   string          `json:"user_email"`
	APIEndpoint string          `json:"api_endpoint"`
	TokenType   quota.TokenType `json:"token_type"`
	TokensUsed  int64           `json:"tokens_used"`
	Model       string          `json:"model"`
	RequestID   string          `json:"request_id,omitempty"`
}

// Receipt is returned by a successful LogUsage.
type Receipt struct {
	Entry            *Entry
	Usage            *quota.TenantMonthlyUsage
	WarningTriggered bool
}

// Summary is the read-only monthly view.
type Summary struct {
	TenantID            string     `json:"tenant_id"`
	Month               string     `json:"month"`
	LLMTokensUsed       int64      `json:"llm_tokens_used"`
	EmbeddingTokensUsed int64      `json:"embedding_tokens_used"`
	TotalTokensUsed     int64      `json:"total_tokens_used"`
	TokenLimit          int64      `json:"token_limit"`
	UsagePercentage     float64    `json:"usage_percentage"`
	WarningSent         bool       `json:"warning_sent"`
	LastUpdated         *time.Time `json:"last_updated,omitempty"`
}

type Logger struct {
	store   Store
	ledger  Ledger
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewLogger(store Store, ledger Ledger, logger *zap.Logger, metrics *telemetry.Metrics) *Logger {
	return &Logger{
		store:   store,
		ledger:  ledger,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		now:     time.Now,
	}
}

func (in Input) validate() error {
	if in.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if in.TokensUsed <= 0 {
		return fmt.Errorf("%w: tokens_used must be positive, got %d", ErrInvalidInput, in.TokensUsed)
	}
	if _, err := quota.ParseTokenType(string(in.TokenType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// LogUsage appends the entry, then adds its tokens to the tenant's month.
// A failed append aborts before any counter changes.
func (l *Logger) LogUsage(ctx context.Context, in Input) (*Receipt, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	requestID := in.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("%s_%d", in.TenantID, now.UnixMilli())
	}

	entry := &Entry{
		TenantID:    in.TenantID,
		UserEmail:   in.UserEmail,
		APIEndpoint: in.APIEndpoint,
		TokenType:   in.TokenType,
		TokensUsed:  in.TokensUsed,
		Model:       in.Model,
		RequestID:   requestID,
		Timestamp:   now,
	}
	if err := l.store.Append(ctx, entry); err != nil {
		l.metrics.UsageLogFailed()
		l.logger.Error("failed to append usage log",
			zap.String("tenant_id", in.TenantID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, err
	}

	acc, err := l.ledger.Accumulate(ctx, in.TenantID, in.TokenType, in.TokensUsed)
	if err != nil {
		l.metrics.UsageLogFailed()
		l.logger.Error("failed to accumulate monthly usage",
			zap.String("tenant_id", in.TenantID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, err
	}

	l.metrics.TokensRecorded(string(in.TokenType), in.TokensUsed)
	l.logger.Debug("usage logged",
		zap.String("tenant_id", in.TenantID),
		zap.String("api_endpoint", in.APIEndpoint),
		zap.String("token_type", string(in.TokenType)),
		zap.Int64("tokens_used", in.TokensUsed),
		zap.Int64("total_tokens_used", acc.Usage.TotalTokensUsed),
	)

	return &Receipt{Entry: entry, Usage: acc.Usage, WarningTriggered: acc.WarningTriggered}, nil
}

// Record satisfies admission.Recorder.
func (l *Logger) Record(ctx context.Context, in Input) error {
	_, err := l.LogUsage(ctx, in)
	return err
}

// TenantUsageSummary never creates a monthly record. An empty month means the
// current one.
func (l *Logger) TenantUsageSummary(ctx context.Context, tenantID, month string) (*Summary, error) {
	if month == "" {
		month = l.ledger.CurrentMonth()
	} else if _, err := time.Parse(quota.MonthLayout, month); err != nil {
		return nil, fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidInput)
	}

	u, err := l.ledger.Peek(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return &Summary{
			TenantID:   tenantID,
			Month:      month,
			TokenLimit: l.ledger.TokenLimit(ctx, tenantID),
		}, nil
	}

	s := &Summary{
		TenantID:            u.TenantID,
		Month:               u.Month,
		LLMTokensUsed:       u.LLMTokensUsed,
		EmbeddingTokensUsed: u.EmbeddingTokensUsed,
		TotalTokensUsed:     u.TotalTokensUsed,
		TokenLimit:          u.TokenLimit,
		UsagePercentage:     percentage(u.TotalTokensUsed, u.TokenLimit),
		WarningSent:         u.WarningSent,
	}
	if !u.LastUpdated.IsZero() {
		t := u.LastUpdated
		s.LastUpdated = &t
	}
	return s, nil
}

// Entries returns the tenant's log between from and to, newest first.
func (l *Logger) Entries(ctx context.Context, tenantID string, from, to time.Time) ([]*Entry, error) {
	if to.IsZero() {
		to = l.now().UTC()
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidInput)
	}
	return l.store.List(ctx, tenantID, from, to)
}

func percentage(total, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(total)/float64(limit)*100*100) / 100
}
