package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var memberSeq uint64

// allowScript prunes entries outside the window, then either records the
// request or reports the oldest surviving timestamp so the caller can compute
// retry-after. Runs atomically inside Redis.
const allowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, ttl_ms)
	return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, oldest[2]}
`

// RedisLimiter implements a sliding window shared by all service instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisLimiter{client: client, limit: int64(limit), window: window}, nil
}

// NewRedisLimiterFromClient wraps an existing client (shared with the
// revocation registry or tests).
func NewRedisLimiterFromClient(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	windowStart := now - r.window.Milliseconds()

	// Members must stay distinct even when requests land in the same
	// millisecond, otherwise ZADD collapses them into one entry.
	member := fmt.Sprintf("%d-%d", now, atomic.AddUint64(&memberSeq, 1))

	res, err := r.client.Eval(ctx, allowScript,
		[]string{"authgate:ratelimit:" + key},
		now, windowStart, r.limit, r.window.Milliseconds(), member,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) == 0 {
		return Decision{}, fmt.Errorf("rate limit check failed: empty reply")
	}
	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}

	retry := r.window
	if len(res) > 1 {
		if oldest, err := toInt64(res[1]); err == nil {
			retry = r.window - time.Duration(now-oldest)*time.Millisecond
		}
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		var n int64
		_, err := fmt.Sscanf(t, "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
