package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryKV is a map-backed KV for exercising the cache path without Redis
type memoryKV struct {
	mu   sync.Mutex
	data map[string]string

	gets, sets, dels int
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string]string)}
}

func (m *memoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	val, ok := m.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return val, nil
}

func (m *memoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[key] = value
	return nil
}

func (m *memoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dels++
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

// countingSource wraps MemorySource to count authoritative lookups
type countingSource struct {
	*MemorySource
	lookups int
}

func (c *countingSource) IdentityOf(ctx context.Context, address string) (string, error) {
	c.lookups++
	return c.MemorySource.IdentityOf(ctx, address)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("should resolve both directions after a link", func(t *testing.T) {
		r := NewRegistry(NewMemorySource(), nil, 0)
		require.NoError(t, r.Link(ctx, "alice@example.com", "0xalice"))

		addr, err := r.AddressOf(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "0xalice", addr)

		id, err := r.IdentityOf(ctx, "0xalice")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", id)
	})

	t.Run("should report unlinked addresses without error", func(t *testing.T) {
		r := NewRegistry(NewMemorySource(), nil, 0)

		linked, err := r.IsLinked(ctx, "0xnobody")
		require.NoError(t, err)
		assert.False(t, linked)

		require.NoError(t, r.Link(ctx, "bob@example.com", "0xbob"))
		linked, err = r.IsLinked(ctx, "0xbob")
		require.NoError(t, err)
		assert.True(t, linked)
	})

	t.Run("should serve repeat lookups from the cache", func(t *testing.T) {
		source := &countingSource{MemorySource: NewMemorySource()}
		cache := newMemoryKV()
		r := NewRegistry(source, cache, time.Minute)

		require.NoError(t, r.Link(ctx, "alice@example.com", "0xalice"))

		for i := 0; i < 3; i++ {
			_, err := r.IdentityOf(ctx, "0xalice")
			require.NoError(t, err)
		}
		assert.Equal(t, 1, source.lookups, "only the first lookup hits the source")
	})

	t.Run("should invalidate the cache when a link changes", func(t *testing.T) {
		source := &countingSource{MemorySource: NewMemorySource()}
		cache := newMemoryKV()
		r := NewRegistry(source, cache, time.Minute)

		require.NoError(t, r.Link(ctx, "alice@example.com", "0xalice"))
		_, err := r.IdentityOf(ctx, "0xalice")
		require.NoError(t, err)

		// Relinking the identity to a new address drops the stale entries
		require.NoError(t, r.Link(ctx, "alice@example.com", "0xalice2"))

		addr, err := r.AddressOf(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "0xalice2", addr)
	})

	t.Run("should fall through to the source on a cache miss", func(t *testing.T) {
		source := NewMemorySource()
		require.NoError(t, source.Link(ctx, "carol@example.com", "0xcarol"))

		// Empty cache, populated source
		r := NewRegistry(source, newMemoryKV(), time.Minute)
		id, err := r.IdentityOf(ctx, "0xcarol")
		require.NoError(t, err)
		assert.Equal(t, "carol@example.com", id)
	})
}
