package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore implements IdempotencyStore with SET NX keys shared
// by every coordinator instance.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore creates a new Redis idempotency store
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisIdempotencyStore) buildKey(key string) string {
	return s.prefix + ":idempotency:" + key
}

// Claim binds key to value for ttl
func (s *RedisIdempotencyStore) Claim(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	storeKey := s.buildKey(key)
	// a binding can expire between SETNX and GET, so try twice
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, storeKey, value, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if ok {
			return "", true, nil
		}

		existing, err := s.client.Get(ctx, storeKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("idempotency key %s keeps expiring", key)
}

// Release deletes key if value still owns it
func (s *RedisIdempotencyStore) Release(ctx context.Context, key, value string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.buildKey(key)}, value).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
