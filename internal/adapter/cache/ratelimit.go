package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UserRateLimiter enforces a fixed-window per-user request budget
// backed by Redis, shared across replicas. A nil limiter allows
// everything.
type UserRateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewUserRateLimiter constructs a Redis-backed limiter for the
// provided requests-per-minute budget.
func NewUserRateLimiter(client redis.UniversalClient, requestsPerMinute int) *UserRateLimiter {
	if client == nil || requestsPerMinute <= 0 {
		return nil
	}
	return &UserRateLimiter{
		client: client,
		limit:  requestsPerMinute,
		window: time.Minute,
	}
}

// Allow increments the caller's window counter and reports whether the
// request fits the budget. A Redis failure fails open so a cache
// outage never blocks traffic.
func (l *UserRateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l == nil {
		return true, nil
	}

	key := fmt.Sprintf("ratelimit:mcp:%s:%d", userID, time.Now().Unix()/int64(l.window.Seconds()))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("rate limit counter: %w", err)
	}
	return count.Val() <= int64(l.limit), nil
}
