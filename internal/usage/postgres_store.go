package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/reportdesk/internal/quota"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO usage_logs (tenant_id, user_email, api_endpoint, token_type, tokens_used, model, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		e.TenantID, e.UserEmail, e.APIEndpoint, string(e.TokenType),
		e.TokensUsed, e.Model, e.RequestID, e.Timestamp,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT id, tenant_id, user_email, api_endpoint, token_type, tokens_used, model, request_id, created_at
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var tokenType string
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.UserEmail, &e.APIEndpoint, &tokenType,
			&e.TokensUsed, &e.Model, &e.RequestID, &e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		e.TokenType = quota.TokenType(tokenType)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return entries, nil
}
