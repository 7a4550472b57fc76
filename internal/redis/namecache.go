package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guild-ranksync/internal/config"
)

const usernamesKey = "ranksync:usernames:recent"

// NameCache keeps recently seen external usernames in a Redis sorted set
// (scored by last-seen time). It feeds nearest-match suggestions when a link
// attempt names an unknown account.
type NameCache struct {
	client  *redis.Client
	maxSize int
	logger  *slog.Logger
}

// NewNameCache creates a new Redis-backed username cache
func NewNameCache(cfg *config.RedisConfig, logger *slog.Logger) (*NameCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &NameCache{
		client:  client,
		maxSize: cfg.NameCacheSize,
		logger:  logger,
	}, nil
}

// Close closes the Redis connection
func (c *NameCache) Close() error {
	return c.client.Close()
}

// Remember records a username as recently seen and trims the cache to its
// configured size, dropping the oldest entries first.
func (c *NameCache) Remember(ctx context.Context, username string) error {
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, usernamesKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: username,
	})
	pipe.ZRemRangeByRank(ctx, usernamesKey, 0, int64(-c.maxSize-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remembering username: %w", err)
	}
	return nil
}

// Forget drops a username from the cache
func (c *NameCache) Forget(ctx context.Context, username string) error {
	if err := c.client.ZRem(ctx, usernamesKey, username).Err(); err != nil {
		return fmt.Errorf("forgetting username: %w", err)
	}
	return nil
}

// Recent returns up to limit usernames, most recently seen first
func (c *NameCache) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = c.maxSize
	}
	names, err := c.client.ZRevRange(ctx, usernamesKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing recent usernames: %w", err)
	}
	return names, nil
}
