package identity

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotLinked means no address is linked to the identity (or vice versa)
	ErrNotLinked = errors.New("identity not linked")
	// ErrCacheMiss is the KV layer's miss signal
	ErrCacheMiss = errors.New("cache miss")
)

// Source is the authoritative identity-link registry. The cache in front of
// it is never trusted by core logic: on any discrepancy the source wins.
type Source interface {
	AddressOf(ctx context.Context, identity string) (string, error)
	IdentityOf(ctx context.Context, address string) (string, error)
	Link(ctx context.Context, identity, address string) error
}

// KV is the small cache surface the registry needs
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisKV backs the cache with Redis
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps an existing Redis client
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

// Registry is a read-through cache over the identity-link source. Positive
// lookups are cached with a TTL and explicitly invalidated on link changes;
// misses and errors always fall through to the source.
type Registry struct {
	source Source
	cache  KV
	ttl    time.Duration
}

// NewRegistry creates a registry. cache may be nil to bypass caching.
func NewRegistry(source Source, cache KV, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{source: source, cache: cache, ttl: ttl}
}

const (
	addrKeyPrefix = "identity:addr:"
	idKeyPrefix   = "identity:id:"
)

// AddressOf resolves an identity to its linked address
func (r *Registry) AddressOf(ctx context.Context, identity string) (string, error) {
	if r.cache != nil {
		if addr, err := r.cache.Get(ctx, addrKeyPrefix+identity); err == nil && addr != "" {
			return addr, nil
		}
	}
	addr, err := r.source.AddressOf(ctx, identity)
	if err != nil {
		return "", err
	}
	r.cacheSet(ctx, addrKeyPrefix+identity, addr)
	return addr, nil
}

// IdentityOf resolves an address to its linked identity
func (r *Registry) IdentityOf(ctx context.Context, address string) (string, error) {
	if r.cache != nil {
		if id, err := r.cache.Get(ctx, idKeyPrefix+address); err == nil && id != "" {
			return id, nil
		}
	}
	id, err := r.source.IdentityOf(ctx, address)
	if err != nil {
		return "", err
	}
	r.cacheSet(ctx, idKeyPrefix+address, id)
	return id, nil
}

// IsLinked reports whether an address has a linked identity. Used as the
// governance-activation gate.
func (r *Registry) IsLinked(ctx context.Context, address string) (bool, error) {
	_, err := r.IdentityOf(ctx, address)
	if errors.Is(err, ErrNotLinked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Link records a new identity link in the source and invalidates any stale
// cache entries for both keys
func (r *Registry) Link(ctx context.Context, identity, address string) error {
	if err := r.source.Link(ctx, identity, address); err != nil {
		return err
	}
	r.Invalidate(ctx, identity, address)
	return nil
}

// Invalidate drops cached entries for an identity/address pair
func (r *Registry) Invalidate(ctx context.Context, identity, address string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, addrKeyPrefix+identity, idKeyPrefix+address); err != nil {
		log.Printf("identity cache: invalidate %s/%s: %v", identity, address, err)
	}
}

func (r *Registry) cacheSet(ctx context.Context, key, value string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		log.Printf("identity cache: set %s: %v", key, err)
	}
}

// MemorySource is an in-process authoritative registry for local mode and
// tests
type MemorySource struct {
	mu        sync.RWMutex
	byID      map[string]string
	byAddress map[string]string
}

// NewMemorySource creates an empty registry source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		byID:      make(map[string]string),
		byAddress: make(map[string]string),
	}
}

func (m *MemorySource) AddressOf(ctx context.Context, identity string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr, ok := m.byID[identity]
	if !ok {
		return "", ErrNotLinked
	}
	return addr, nil
}

func (m *MemorySource) IdentityOf(ctx context.Context, address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddress[address]
	if !ok {
		return "", ErrNotLinked
	}
	return id, nil
}

func (m *MemorySource) Link(ctx context.Context, identity, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[identity] = address
	m.byAddress[address] = identity
	return nil
}
