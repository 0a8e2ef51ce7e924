package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultIdempotencyTTL = 30 * time.Minute

	keyPrefix = "chatd:idem:"
)

// IdempotencyCache replays successful /chat responses keyed by the caller's
// Idempotency-Key header. A nil cache or one without redis is a no-op.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{client: client, ttl: ttl}
}

func (c *IdempotencyCache) enabled() bool {
	return c != nil && c.client != nil
}

// Lookup decodes a cached response into dest. It reports false on a miss or
// when the cache is disabled.
func (c *IdempotencyCache) Lookup(ctx context.Context, key string, dest any) (bool, error) {
	if !c.enabled() || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("idempotency decode: %w", err)
	}
	return true, nil
}

// Store saves value under key for the configured TTL.
func (c *IdempotencyCache) Store(ctx context.Context, key string, value any) error {
	if !c.enabled() || key == "" {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}
