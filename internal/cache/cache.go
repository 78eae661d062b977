// Package cache provides a Redis-backed cache with graceful degradation,
// grounded on api/internal/cache/cache.go: same pooled-client shape,
// same "disabled means every operation is a silent no-op" contract so
// callers never have to branch on whether REDIS_URL was configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a pooled Redis client. A nil client means caching is disabled.
type Cache struct {
	client *redis.Client
}

// Config mirrors the teacher's connection-pool tuning.
type Config struct {
	URL     string
	Enabled bool
}

// New builds a Cache. When cfg.Enabled is false or cfg.URL is empty, it
// returns a disabled cache rather than erroring, so REDIS_URL stays optional
// (spec §6.4).
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled || cfg.URL == "" {
		return &Cache{}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse REDIS_URL: %w", err)
	}
	opts.PoolSize = 25
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = 5 * time.Minute
	opts.ConnMaxIdleTime = 1 * time.Minute
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// IsEnabled reports whether a live Redis connection backs this cache.
func (c *Cache) IsEnabled() bool { return c.client != nil }

// Close releases the connection pool.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Get unmarshals the cached value for key into target. Returns redis.Nil
// (unwrapped through errors.Is) when the key is absent.
func (c *Cache) Get(ctx context.Context, key string, target interface{}) error {
	if !c.IsEnabled() {
		return redis.Nil
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), target)
}

// Set stores value under key with the given TTL. A disabled cache silently
// accepts the write, matching the teacher's "cache is best-effort" contract.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal value for %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes one or more keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
