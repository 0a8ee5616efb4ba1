package health

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// degradedLatency flags a dependency that answers but slowly.
const degradedLatency = 100 * time.Millisecond

// RedisChecker probes Redis with PING. Redis backs the cache, ledger and
// job queue, so it is critical.
type RedisChecker struct {
	client redis.Cmdable
}

func NewRedisChecker(client redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return true }
func (r *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RedisChecker) Check(ctx context.Context) Result {
	started := time.Now()
	result := Result{Component: "redis", Critical: true, Timestamp: started}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(started)
	result.LatencyMS = result.Duration.Milliseconds()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "ping failed"
	case result.Duration > degradedLatency:
		result.Status = StatusDegraded
		result.Message = "responding with high latency"
	default:
		result.Status = StatusHealthy
	}
	return result
}

// PostgresChecker probes the history database. Persistence is optional, so
// a down database degrades rather than fails the service.
type PostgresChecker struct {
	db *sqlx.DB
}

func NewPostgresChecker(db *sqlx.DB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (p *PostgresChecker) Name() string           { return "postgres" }
func (p *PostgresChecker) IsCritical() bool       { return false }
func (p *PostgresChecker) Timeout() time.Duration { return 5 * time.Second }

func (p *PostgresChecker) Check(ctx context.Context) Result {
	started := time.Now()
	result := Result{Component: "postgres", Timestamp: started}

	err := p.db.PingContext(ctx)
	result.Duration = time.Since(started)
	result.LatencyMS = result.Duration.Milliseconds()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "ping failed"
	case result.Duration > degradedLatency:
		result.Status = StatusDegraded
		result.Message = "responding with high latency"
	default:
		result.Status = StatusHealthy
	}
	return result
}
