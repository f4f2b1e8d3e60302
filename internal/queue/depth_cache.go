package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"techaura-fulfillment/internal/config"
)

// DepthCache keeps per-status job counts in Redis for the admin surface.
// The cache is purely derived state: reconciliation rebuilds it from the
// store on every pass, and readers fall back to the store when a key is
// missing. It is never consulted for claim decisions.
type DepthCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDepthCache builds a cache client from config.
func NewDepthCache(cfg config.Config) *DepthCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewDepthCacheWithClient(client)
}

// NewDepthCacheWithClient wraps an existing client (tests use miniredis).
func NewDepthCacheWithClient(client *redis.Client) *DepthCache {
	return &DepthCache{
		client: client,
		prefix: "stats:jobs:",
		ttl:    10 * time.Minute,
	}
}

func (c *DepthCache) key(status string) string {
	return c.prefix + status
}

// Rehydrate replaces all cached counts with freshly computed values. Any
// status absent from counts is reset to zero rather than left stale.
func (c *DepthCache) Rehydrate(ctx context.Context, counts map[string]int64) error {
	old, err := c.client.Keys(ctx, c.prefix+"*").Result()
	if err != nil {
		return fmt.Errorf("scan stats keys: %w", err)
	}
	pipe := c.client.TxPipeline()
	if len(old) > 0 {
		pipe.Del(ctx, old...)
	}
	for status, n := range counts {
		pipe.Set(ctx, c.key(status), n, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write stats keys: %w", err)
	}
	return nil
}

// Get returns the cached count for one status. The boolean is false when the
// key is missing or unparseable and the caller should recompute from the store.
func (c *DepthCache) Get(ctx context.Context, status string) (int64, bool, error) {
	v, err := c.client.Get(ctx, c.key(status)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read stats key: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}
