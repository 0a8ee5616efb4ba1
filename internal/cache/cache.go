// Package cache is the content-addressed response cache. Values are stored
// completion responses minus the cached flag; the store carries no tenant
// data inside values. The cache is strictly best-effort: a read error is a
// miss, a write error is logged and discarded. Coordinator correctness never
// depends on a cache write landing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/circuitbreaker"
	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/models"
)

// DefaultTTL applies when the caller does not request one.
const DefaultTTL = 24 * time.Hour

// Canonical fingerprints and caller-supplied keys live in separate
// namespaces so a custom key can never collide with a derived one.
const (
	canonicalPrefix = "cache:fp:"
	customPrefix    = "cache:custom:"
)

// entry is the stored value: a completion minus the cached flag.
type entry struct {
	Text    string            `json:"text"`
	Model   string            `json:"model"`
	Usage   models.TokenUsage `json:"usage"`
	CostUSD float64           `json:"cost_usd"`
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// Cache stores completions in Redis behind a circuit breaker.
type Cache struct {
	store      *circuitbreaker.Redis
	logger     *zap.Logger
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	errs   atomic.Uint64
}

// New builds a cache over a Redis client.
func New(client redis.Cmdable, defaultTTL time.Duration, logger *zap.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		store:      circuitbreaker.NewRedis(client, logger),
		logger:     logger,
		defaultTTL: defaultTTL,
	}
}

// CanonicalKey returns the namespaced canonical key for a fingerprint.
func CanonicalKey(fingerprint string) string {
	return canonicalPrefix + fingerprint
}

// CustomKey returns the tenant-namespaced key for a caller-supplied identity.
func CustomKey(tenantID, key string) string {
	return fmt.Sprintf("%s%s:%s", customPrefix, tenantID, key)
}

// Get returns the stored completion with cached=true stamped in, or
// (nil, false) on miss. Errors are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, key string) (*models.CompletionResponse, bool) {
	raw, err := c.store.Get(ctx, key)
	if err == redis.Nil {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		c.errs.Add(1)
		metrics.CacheErrors.WithLabelValues("get").Inc()
		c.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.errs.Add(1)
		metrics.CacheErrors.WithLabelValues("decode").Inc()
		c.logger.Warn("Cache entry corrupt, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return &models.CompletionResponse{
		Text:    e.Text,
		Model:   e.Model,
		Usage:   e.Usage,
		CostUSD: e.CostUSD,
		Cached:  true,
	}, true
}

// Set stores a completion under key. A non-positive ttl selects the default.
// Failures are logged and discarded.
func (c *Cache) Set(ctx context.Context, key string, resp *models.CompletionResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := entry{Text: resp.Text, Model: resp.Model, Usage: resp.Usage, CostUSD: resp.CostUSD}
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("Cache entry marshal failed", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.errs.Add(1)
		metrics.CacheErrors.WithLabelValues("set").Inc()
		c.logger.Warn("Cache write failed",
			zap.String("key", key), zap.Error(err))
	}
}

// Invalidate deletes every entry matching a glob pattern within the
// canonical namespace. Returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	return c.invalidate(ctx, canonicalPrefix+pattern)
}

// InvalidateCustom deletes matching entries in a tenant's custom namespace.
func (c *Cache) InvalidateCustom(ctx context.Context, tenantID, pattern string) (int64, error) {
	return c.invalidate(ctx, fmt.Sprintf("%s%s:%s", customPrefix, tenantID, pattern))
}

func (c *Cache) invalidate(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.store.Del(ctx, keys...)
	if err != nil {
		return n, fmt.Errorf("cache invalidate delete: %w", err)
	}
	return n, nil
}

// Stats returns hit/miss/error counters since process start.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errs.Load(),
	}
}
