package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const usageColumns = `tenant_id, month, llm_tokens_used, embedding_tokens_used, total_tokens_used,
	token_limit, warning_sent, warning_delivered, last_updated`

func scanUsage(row pgx.Row) (*TenantMonthlyUsage, error) {
	var u TenantMonthlyUsage
	err := row.Scan(
		&u.TenantID, &u.Month, &u.LLMTokensUsed, &u.EmbeddingTokensUsed, &u.TotalTokensUsed,
		&u.TokenLimit, &u.WarningSent, &u.WarningDelivered, &u.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetMonth(ctx context.Context, tenantID, month string) (*TenantMonthlyUsage, error) {
	query := `SELECT ` + usageColumns + `
		FROM tenant_monthly_usage
		WHERE tenant_id = $1 AND month = $2`

	u, err := scanUsage(s.db.QueryRow(ctx, query, tenantID, month))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) EnsureMonth(ctx context.Context, tenantID, month string, limit int64) (*TenantMonthlyUsage, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO tenant_monthly_usage (tenant_id, month, token_limit, last_updated)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, month) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING ` + usageColumns

	u, err := scanUsage(s.db.QueryRow(ctx, query, tenantID, month, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure monthly usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) AddTokens(ctx context.Context, tenantID, month string, tokenType TokenType, n, limit int64) (*TenantMonthlyUsage, error) {
	var llm, embedding int64
	switch tokenType {
	case TokenTypeLLM:
		llm = n
	case TokenTypeEmbedding:
		embedding = n
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenType, tokenType)
	}

	query := `
		INSERT INTO tenant_monthly_usage
			(tenant_id, month, llm_tokens_used, embedding_tokens_used, total_tokens_used, token_limit, last_updated)
		VALUES ($1, $2, $3::bigint, $4::bigint, $3::bigint + $4::bigint, $5, now())
		ON CONFLICT (tenant_id, month) DO UPDATE SET
			llm_tokens_used       = tenant_monthly_usage.llm_tokens_used + EXCLUDED.llm_tokens_used,
			embedding_tokens_used = tenant_monthly_usage.embedding_tokens_used + EXCLUDED.embedding_tokens_used,
			total_tokens_used     = tenant_monthly_usage.total_tokens_used + EXCLUDED.total_tokens_used,
			last_updated          = now()
		RETURNING ` + usageColumns

	u, err := scanUsage(s.db.QueryRow(ctx, query, tenantID, month, llm, embedding, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to add tokens: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ClaimFlag(ctx context.Context, tenantID, month string, flag Flag) (bool, error) {
	var query string
	switch flag {
	case FlagWarningSent:
		query = `UPDATE tenant_monthly_usage SET warning_sent = true, last_updated = now()
			WHERE tenant_id = $1 AND month = $2 AND warning_sent = false`
	case FlagWarningDelivered:
		query = `UPDATE tenant_monthly_usage SET warning_delivered = true, last_updated = now()
			WHERE tenant_id = $1 AND month = $2 AND warning_delivered = false`
	default:
		return false, fmt.Errorf("unknown flag %q", flag)
	}

	tag, err := s.db.Exec(ctx, query, tenantID, month)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", flag, err)
	}
	return tag.RowsAffected() == 1, nil
}
