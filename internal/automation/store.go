package automation

import (
	"context"
	"sync"
	"time"
)

// Store persists per-tenant automation configs. Missing tenants resolve to
// the default config rather than an error.
type Store interface {
	GetConfig(ctx context.Context, tenantID string) (Config, error)
	PutConfig(ctx context.Context, cfg Config) error
}

// MemoryStore keeps configs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]Config)}
}

// GetConfig returns the stored config or the default.
func (s *MemoryStore) GetConfig(_ context.Context, tenantID string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.configs[tenantID]; ok {
		return cfg, nil
	}
	return DefaultConfig(tenantID), nil
}

// PutConfig validates and stores a config.
func (s *MemoryStore) PutConfig(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.TenantID] = cfg
	return nil
}

// CachedStore fronts another store with a TTL cache so workflow loops do
// not hammer the backing store for a config that rarely changes. Writes
// pass through and refresh the cached entry.
type CachedStore struct {
	backing Store
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cachedConfig
}

type cachedConfig struct {
	cfg     Config
	expires time.Time
}

// NewCachedStore wraps a store with a TTL cache.
func NewCachedStore(backing Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		backing: backing,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedConfig),
	}
}

// GetConfig serves from cache when fresh.
func (s *CachedStore) GetConfig(ctx context.Context, tenantID string) (Config, error) {
	s.mu.Lock()
	entry, ok := s.entries[tenantID]
	s.mu.Unlock()
	if ok && s.now().Before(entry.expires) {
		return entry.cfg, nil
	}
	cfg, err := s.backing.GetConfig(ctx, tenantID)
	if err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	s.entries[tenantID] = cachedConfig{cfg: cfg, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return cfg, nil
}

// PutConfig writes through and refreshes the cache.
func (s *CachedStore) PutConfig(ctx context.Context, cfg Config) error {
	if err := s.backing.PutConfig(ctx, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[cfg.TenantID] = cachedConfig{cfg: cfg, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}
