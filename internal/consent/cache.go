package consent

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DecisionCache caches consent decisions for a short TTL. Decisions are never
// cached across the full queue wait; the gate enforces the TTL bound.
type DecisionCache interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Set(ctx context.Context, key string, state State, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

// NewMemoryCache creates an in-process decision cache.
func NewMemoryCache() DecisionCache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
	}
}

func (m *memoryCache) Get(_ context.Context, key string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if m.nowFunc().After(entry.expiresAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.state, true, nil
}

func (m *memoryCache) Set(_ context.Context, key string, state State, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{state: state, expiresAt: m.nowFunc().Add(ttl)}
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

type redisCache struct {
	client *redis.Client
}

// NewRedisCache creates a decision cache shared across engine instances.
func NewRedisCache(client *redis.Client) DecisionCache {
	return &redisCache{client: client}
}

func (r *redisCache) Get(ctx context.Context, key string) (State, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return State(value), true, nil
}

func (r *redisCache) Set(ctx context.Context, key string, state State, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, key, string(state), ttl).Err()
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
