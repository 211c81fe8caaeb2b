package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisSlowAfter is the ping latency above which Redis is reported
// degraded.
const DefaultRedisSlowAfter = 100 * time.Millisecond

// RedisChecker checks the connection of the session registry.
type RedisChecker struct {
	client    redis.UniversalClient
	name      string
	slowAfter time.Duration
}

// NewRedisChecker creates a Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{
		client:    client,
		name:      "redis",
		slowAfter: DefaultRedisSlowAfter,
	}
}

// Name returns the name of the checker.
func (r *RedisChecker) Name() string {
	return r.name
}

// Check pings Redis.
func (r *RedisChecker) Check(ctx context.Context) error {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if rtt := time.Since(start); rtt > r.slowAfter {
		return Degraded(fmt.Errorf("redis ping took %s", rtt.Round(time.Millisecond)))
	}
	return nil
}
