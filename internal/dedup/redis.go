package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis shares dedup state between engine replicas. Keys expire on their
// own, so no eviction is needed.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a Redis deduper storing keys under prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "triggerflow:dedup:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
