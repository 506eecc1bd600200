package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "idem:reservation:"

// RedisIdempotencyRepo shares idempotency keys across service replicas.
type RedisIdempotencyRepo struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyRepo constructs the repository. Entries expire after ttl
// (24h when non-positive).
func NewRedisIdempotencyRepo(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyRepo {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyRepo{client: client, keyPrefix: prefix, ttl: ttl}
}

// GetResponse retrieves a cached response.
func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// PutResponse stores the payload unless another replica stored one first.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, r.keyPrefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}
