package session

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Backend is raw keyed storage. Callers serialize access per key; backends
// only need to be safe for concurrent use across keys.
type Backend interface {
	Get(ctx context.Context, key string) (*ReportSession, bool, error)
	Put(ctx context.Context, key string, s *ReportSession) error
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists stored keys starting with prefix; "" lists all.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryBackend keeps sessions in process. A zero size is unbounded and a
// zero ttl disables expiry; otherwise the least recently written entry is
// evicted first.
type MemoryBackend struct {
	cache *expirable.LRU[string, *ReportSession]
}

func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{cache: expirable.NewLRU[string, *ReportSession](size, nil, ttl)}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (*ReportSession, bool, error) {
	s, ok := b.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (b *MemoryBackend) Put(ctx context.Context, key string, s *ReportSession) error {
	b.cache.Add(key, s.Clone())
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	return b.cache.Remove(key), nil
}

func (b *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, k := range b.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
