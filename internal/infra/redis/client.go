// Package redis provides a best-effort replay-detection cache in front of
// the applied-event journal. A miss or an unreachable Redis only means the
// journal's unique index does the work; correctness never depends on it.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Client wraps Redis operations for applied-event dedup.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, ttl: 24 * time.Hour}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func dedupKey(key string) string {
	return "applied:" + key
}

// MarkApplied records that an event application was journaled.
func (c *Client) MarkApplied(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, dedupKey(key), 1, c.ttl).Err()
}

// WasApplied reports whether an identical application was seen recently.
func (c *Client) WasApplied(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, dedupKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Forget drops dedup entries whose journal rows were reverted by a
// rollback, so a re-apply of the new canonical branch is not mistaken for
// a replay.
func (c *Client) Forget(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = dedupKey(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}
