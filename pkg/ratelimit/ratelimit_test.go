package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type fakeStore struct {
	limit   int
	allowed bool
	err     error
	key     string
	n       int
}

func (f *fakeStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	f.key, f.n = key, n
	return &extratelimit.Result{Allowed: f.allowed, Limit: f.limit}, f.err
}

func (f *fakeStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return f.AllowN(ctx, key, 1)
}

func (f *fakeStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: f.allowed, Limit: f.limit}, f.err
}

type fakeStores struct {
	byLimit map[int]*fakeStore
	err     error
}

func newFakeStores() *fakeStores {
	return &fakeStores{byLimit: map[int]*fakeStore{}}
}

func (f *fakeStores) build(limit int) extratelimit.Limiter {
	s := &fakeStore{limit: limit, allowed: true, err: f.err}
	f.byLimit[limit] = s
	return s
}

func TestAllowTokens(t *testing.T) {
	stores := newFakeStores()
	l := NewWithStoreFunc(100_000, stores.build)

	ok, err := l.AllowTokens(context.Background(), Budget{TenantID: "T1"}, 250)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Contains(t, stores.byLimit, 100_000)
	assert.Equal(t, "ratelimit:tenant:T1", stores.byLimit[100_000].key)
	assert.Equal(t, 250, stores.byLimit[100_000].n)

	_, err = l.AllowTokens(context.Background(), Budget{TenantID: "T1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stores.byLimit[100_000].n)
}

func TestAllowTokens_PerKeyLimit(t *testing.T) {
	stores := newFakeStores()
	l := NewWithStoreFunc(100_000, stores.build)
	ctx := context.Background()

	_, err := l.AllowTokens(ctx, Budget{TenantID: "T1", KeyID: "k1", TPM: 5_000}, 10)
	require.NoError(t, err)
	_, err = l.AllowTokens(ctx, Budget{TenantID: "T1", KeyID: "k2", TPM: 5_000}, 20)
	require.NoError(t, err)
	_, err = l.AllowTokens(ctx, Budget{TenantID: "T1", KeyID: "k3"}, 30)
	require.NoError(t, err)

	assert.Len(t, stores.byLimit, 2)
	assert.Equal(t, "ratelimit:key:k2", stores.byLimit[5_000].key)
	assert.Equal(t, "ratelimit:key:k3", stores.byLimit[100_000].key)
	assert.Equal(t, 30, stores.byLimit[100_000].n)
}

func TestAllowTokens_Error(t *testing.T) {
	stores := newFakeStores()
	stores.err = errors.New("redis down")
	l := NewWithStoreFunc(100_000, stores.build)

	ok, err := l.AllowTokens(context.Background(), Budget{TenantID: "T1"}, 10)
	assert.Error(t, err)
	assert.False(t, ok)
}
