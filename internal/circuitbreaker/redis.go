package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis wraps the subset of Redis commands the response cache uses with a
// circuit breaker. Redis Nil (key missing) never counts as a failure.
type Redis struct {
	client  redis.Cmdable
	breaker *Breaker
	logger  *zap.Logger
}

// NewRedis builds the wrapped client.
func NewRedis(client redis.Cmdable, logger *zap.Logger) *Redis {
	return &Redis{
		client:  client,
		breaker: New("redis-cache", DefaultConfig(), logger),
		logger:  logger,
	}
}

// Get wraps GET. Returns redis.Nil when the key is absent.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var (
		val   string
		found bool
	)
	err := r.breaker.Execute(ctx, func() error {
		res, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = res, true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", redis.Nil
	}
	return val, nil
}

// Set wraps SET with expiry.
func (r *Redis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.breaker.Execute(ctx, func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del wraps DEL.
func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := r.breaker.Execute(ctx, func() error {
		res, err := r.client.Del(ctx, keys...).Result()
		n = res
		return err
	})
	return n, err
}

// Keys wraps KEYS for pattern invalidation.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := r.breaker.Execute(ctx, func() error {
		res, err := r.client.Keys(ctx, pattern).Result()
		keys = res
		return err
	})
	return keys, err
}

// Open reports whether the breaker is currently rejecting calls.
func (r *Redis) Open() bool { return r.breaker.State() == StateOpen }
