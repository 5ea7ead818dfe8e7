package tenant

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("tenant not found")

// Tenant is the slice of tenant configuration the quota core reads.
type Tenant struct {
	ID                 string    `json:"id" bson:"_id"`
	Name               string    `json:"name" bson:"name"`
	// TokenLimitMillions overrides the monthly token limit; nil means unset.
	TokenLimitMillions *int64    `json:"token_limit_millions,omitempty" bson:"token_limit_millions,omitempty"`
	Status             string    `json:"status" bson:"status"`
	UpdatedAt          time.Time `json:"updated_at" bson:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, tenantID string) (*Tenant, error)
	Upsert(ctx context.Context, t *Tenant) error
}
