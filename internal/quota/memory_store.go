package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type monthKey struct {
	tenantID string
	month    string
}

// MemoryStore keeps monthly aggregates in process. A single mutex serialises
// every mutation so AddTokens and ClaimFlag are atomic.
type MemoryStore struct {
	mu    sync.Mutex
	usage map[monthKey]*TenantMonthlyUsage
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usage: make(map[monthKey]*TenantMonthlyUsage),
		now:   time.Now,
	}
}

func (s *MemoryStore) GetMonth(ctx context.Context, tenantID, month string) (*TenantMonthlyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[monthKey{tenantID, month}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) EnsureMonth(ctx context.Context, tenantID, month string, limit int64) (*TenantMonthlyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.ensure(tenantID, month, limit)
	return &cp, nil
}

func (s *MemoryStore) AddTokens(ctx context.Context, tenantID, month string, tokenType TokenType, n, limit int64) (*TenantMonthlyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.ensure(tenantID, month, limit)
	switch tokenType {
	case TokenTypeLLM:
		u.LLMTokensUsed += n
	case TokenTypeEmbedding:
		u.EmbeddingTokensUsed += n
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenType, tokenType)
	}
	u.TotalTokensUsed += n
	u.LastUpdated = s.now().UTC()

	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ClaimFlag(ctx context.Context, tenantID, month string, flag Flag) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[monthKey{tenantID, month}]
	if !ok {
		return false, ErrNotFound
	}
	var target *bool
	switch flag {
	case FlagWarningSent:
		target = &u.WarningSent
	case FlagWarningDelivered:
		target = &u.WarningDelivered
	default:
		return false, fmt.Errorf("unknown flag %q", flag)
	}
	if *target {
		return false, nil
	}
	*target = true
	u.LastUpdated = s.now().UTC()
	return true, nil
}

// ensure must be called with mu held.
func (s *MemoryStore) ensure(tenantID, month string, limit int64) *TenantMonthlyUsage {
	k := monthKey{tenantID, month}
	u, ok := s.usage[k]
	if !ok {
		u = &TenantMonthlyUsage{
			TenantID:    tenantID,
			Month:       month,
			TokenLimit:  limit,
			LastUpdated: s.now().UTC(),
		}
		s.usage[k] = u
	}
	return u
}
