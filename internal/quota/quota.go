package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("monthly usage not found")
	ErrInvalidTokenType = errors.New("invalid token type")
)

// MonthLayout is the calendar-month key format, e.g. "2026-10".
const MonthLayout = "2006-01"

type TokenType string

const (
	TokenTypeLLM       TokenType = "llm"
	TokenTypeEmbedding TokenType = "embedding"
)

func ParseTokenType(s string) (TokenType, error) {
	switch t := TokenType(s); t {
	case TokenTypeLLM, TokenTypeEmbedding:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTokenType, s)
}

// Flag names a one-shot boolean on the monthly record.
type Flag string

const (
	// FlagWarningSent is set by the usage path the first time the running
	// total crosses the warning threshold.
	FlagWarningSent Flag = "warning_sent"
	// FlagWarningDelivered is set by the admission path the first time a
	// quota check surfaces the threshold warning to a caller.
	FlagWarningDelivered Flag = "warning_delivered"
)

// TenantMonthlyUsage is the per (tenant, month) aggregate.
// TotalTokensUsed == LLMTokensUsed + EmbeddingTokensUsed always holds.
type TenantMonthlyUsage struct {
	TenantID            string    `json:"tenant_id" bson:"tenant_id"`
	Month               string    `json:"month" bson:"month"`
	LLMTokensUsed       int64     `json:"llm_tokens_used" bson:"llm_tokens_used"`
	EmbeddingTokensUsed int64     `json:"embedding_tokens_used" bson:"embedding_tokens_used"`
	TotalTokensUsed     int64     `json:"total_tokens_used" bson:"total_tokens_used"`
	TokenLimit          int64     `json:"token_limit" bson:"token_limit"`
	WarningSent         bool      `json:"warning_sent" bson:"warning_sent"`
	WarningDelivered    bool      `json:"warning_delivered" bson:"warning_delivered"`
	LastUpdated         time.Time `json:"last_updated" bson:"last_updated"`
}

// Store persists monthly aggregates. AddTokens and ClaimFlag must be atomic
// against concurrent callers in any number of processes.
type Store interface {
	// GetMonth returns ErrNotFound when no record exists.
	GetMonth(ctx context.Context, tenantID, month string) (*TenantMonthlyUsage, error)
	// EnsureMonth returns the record, creating it with zero counters if absent.
	EnsureMonth(ctx context.Context, tenantID, month string, limit int64) (*TenantMonthlyUsage, error)
	// AddTokens adds n to the typed counter and the total in one step and
	// returns the updated record, creating it if absent.
	AddTokens(ctx context.Context, tenantID, month string, tokenType TokenType, n, limit int64) (*TenantMonthlyUsage, error)
	// ClaimFlag sets flag if it is unset and reports whether this call set it.
	ClaimFlag(ctx context.Context, tenantID, month string, flag Flag) (bool, error)
}

// AdmissionPolicy decides what CheckQuota answers when it cannot read usage.
type AdmissionPolicy int

const (
	FailOpen AdmissionPolicy = iota
	FailClosed
)

func ParsePolicy(s string) (AdmissionPolicy, error) {
	switch s {
	case "", "fail_open":
		return FailOpen, nil
	case "fail_closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("unknown admission policy %q", s)
}

func (p AdmissionPolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}
