package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revocationKeyPrefix = "authgate:revoked:"

// RedisRegistry is a revocation registry backed by a shared Redis instance,
// required when multiple service instances must agree on revocation state.
// Expiry is delegated to Redis key TTLs.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
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
	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient wraps an existing client (shared with the rate
// limiter or tests).
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, revocationKeyPrefix+tokenID, "1", ttl).Err()
}

func (r *RedisRegistry) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, revocationKeyPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Client exposes the underlying connection for sharing with other
// Redis-backed components and for readiness probes.
func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
