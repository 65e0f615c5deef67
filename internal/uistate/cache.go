package uistate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss signals an absent key, as distinct from a transport failure.
var ErrMiss = errors.New("uistate: cache miss")

// Cache is the key-value store behind UI state. Implementations are safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

type entry struct {
	value   string
	expires time.Time
}

// MemoryCache keeps state in process. It is the default when no Redis URL is configured.
type MemoryCache struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]entry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", ErrMiss
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryCache) Close() error { return nil }
