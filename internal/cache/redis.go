package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client holds the Redis client
type Client struct {
	Redis *redis.Client
	log   *zap.Logger
}

// NewClient creates a new Redis client
func NewClient(ctx context.Context, redisURL string, log *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	log.Info("✅ Redis connected")

	return &Client{Redis: client, log: log}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.Redis.Close()
}

// MarkOnce records key with a TTL and reports whether this call was the first
// to do so. Redis failures fail open: the caller is told to proceed.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) bool {
	first, err := c.Redis.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		c.log.Warn("⚠️ Redis dedupe unavailable, processing anyway", zap.String("key", key), zap.Error(err))
		return true
	}
	return first
}

// Seen reports whether key has been marked. Redis failures report false.
func (c *Client) Seen(ctx context.Context, key string) bool {
	n, err := c.Redis.Exists(ctx, key).Result()
	if err != nil {
		c.log.Warn("⚠️ Redis dedupe unavailable, processing anyway", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}
