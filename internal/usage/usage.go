package usage

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/reportdesk/internal/quota"
)

var ErrInvalidInput = errors.New("invalid usage input")

// Entry is one immutable record of a billable call.
type Entry struct {
	ID          string          `json:"id" bson:"_id"`
	TenantID    string          `json:"tenant_id" bson:"tenant_id"`
	UserEmail   string          `json:"user_email" bson:"user_email"`
	APIEndpoint string          `json:"api_endpoint" bson:"api_endpoint"`
	TokenType   quota.TokenType `json:"token_type" bson:"token_type"`
	TokensUsed  int64           `json:"tokens_used" bson:"tokens_used"`
	Model       string          `json:"model" bson:"model"`
	RequestID   string          `json:"request_id" bson:"request_id"`
	Timestamp   time.Time       `json:"timestamp" bson:"timestamp"`
}

// Store is append-only. List returns entries newest first.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, tenantID string, from, to time.Time) ([]*Entry, error)
}
