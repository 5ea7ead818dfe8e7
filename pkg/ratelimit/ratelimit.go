// Package ratelimit guards API keys and tenants with a sliding
// tokens-per-minute budget shared across instances through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const Window = time.Minute

// Budget names the window a request draws from. A request with a KeyID uses
// that key's window; TPM <= 0 means the limiter default.
type Budget struct {
	TenantID string
	KeyID    string
	TPM      int64
}

// StoreFunc builds a ratelimiter backend enforcing limit units per Window.
type StoreFunc func(limit int) extratelimit.Limiter

type Limiter struct {
	defaultTPM int64
	newStore   StoreFunc

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	return NewWithStoreFunc(defaultTPM, func(limit int) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(limit),
			extratelimit.WithWindow(Window),
		)
	})
}

// NewWithStoreFunc builds a limiter over any ratelimiter backend, e.g. an
// in-memory fake.
func NewWithStoreFunc(defaultTPM int64, newStore StoreFunc) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		newStore:   newStore,
		stores:     make(map[int64]extratelimit.Limiter),
	}
}

func (b Budget) key() string {
	if b.KeyID != "" {
		return fmt.Sprintf("ratelimit:key:%s", b.KeyID)
	}
	return fmt.Sprintf("ratelimit:tenant:%s", b.TenantID)
}

// store returns the backend for tpm. The limit is fixed per backend, so one
// is kept for each distinct limit in use.
func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	if tpm <= 0 {
		tpm = l.defaultTPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.stores[tpm]
	if !ok {
		s = l.newStore(int(tpm))
		l.stores[tpm] = s
	}
	return s
}

// AllowTokens consumes n tokens from the budget's window. Non-positive n
// counts as a single request.
func (l *Limiter) AllowTokens(ctx context.Context, b Budget, n int64) (bool, error) {
	if n < 1 {
		n = 1
	}
	res, err := l.store(b.TPM).AllowN(ctx, b.key(), int(n))
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res.Allowed, nil
}
