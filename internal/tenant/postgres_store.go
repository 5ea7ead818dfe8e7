package tenant

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

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `
		SELECT id, name, token_limit_millions, status, updated_at
		FROM tenants
		WHERE id = $1
	`
	var t Tenant
	err := s.db.QueryRow(ctx, query, tenantID).Scan(&t.ID, &t.Name, &t.TokenLimitMillions, &t.Status, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (id, name, token_limit_millions, status, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			token_limit_millions = EXCLUDED.token_limit_millions,
			status = EXCLUDED.status,
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, t.ID, t.Name, t.TokenLimitMillions, t.Status); err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}
