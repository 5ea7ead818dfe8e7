package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps keys by hash, for the memory storage backend and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]APIKey)}
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[HashKey(key)]
	if !ok || !k.Active {
		return nil, ErrKeyNotFound
	}
	return &k, nil
}

func (s *MemoryStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if apiKey.UserEmail == "" {
		return fmt.Errorf("user_email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[apiKey.KeyHash]; exists {
		return fmt.Errorf("api key already exists")
	}
	apiKey.ID = uuid.NewString()
	apiKey.CreatedAt = time.Now().UTC()
	s.byHash[apiKey.KeyHash] = *apiKey
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, k := range s.byHash {
		if k.ID == keyID {
			k.Active = false
			s.byHash[hash] = k
			return nil
		}
	}
	return ErrKeyNotFound
}
