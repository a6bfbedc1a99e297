// Package ratelimit guards the proxy's inbound side with a global
// requests-per-minute limit backed by a Redis sliding window.
//
// The guard runs before a request enters the admission queue, so clients that
// exceed the configured budget are rejected without consuming an upstream key.
// Several proxy replicas sharing one Redis share one budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// DefaultScope names the Redis key used when no scope is given.
const DefaultScope = "default"

const window = time.Minute

// RPMLimiter checks a global requests-per-minute limit using a Redis sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	key      string
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per rolling
// minute. Replicas configured with the same scope share the budget.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, scope string) *RPMLimiter {
	if scope == "" {
		scope = DefaultScope
	}
	return &RPMLimiter{
		rdb:      rdb,
		rpmLimit: rpmLimit,
		key:      "rotator:rpm:" + scope,
	}
}

// Limit returns the configured requests-per-minute budget.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow reports whether one more request fits in the current window.
//
// When Redis is unreachable the request is allowed and the error is returned
// alongside, so callers can record the degradation.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key},
		now, window.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis: %w", err)
	}

	return result == 1, nil
}

// Used returns the number of requests counted in the current window.
func (r *RPMLimiter) Used(ctx context.Context) (int64, error) {
	since := strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10)
	n, err := r.rdb.ZCount(ctx, r.key, "("+since, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return n, nil
}

// Ping checks that the backing Redis is reachable.
func (r *RPMLimiter) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis: %w", err)
	}
	return nil
}
