package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-sync/internal/config"
	registrycache "github.com/chirino/chat-sync/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.DisplayNameCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_SYNC_REDIS_HOSTS is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURL creates a DisplayNameCache from a Redis URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.DisplayNameCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisDisplayNameCache{client: client, ttl: ttl}, nil
}

type redisDisplayNameCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func nameKey(userID string) string {
	return "chat-sync:display-name:" + userID
}

func (c *redisDisplayNameCache) Available() bool {
	return true
}

func (c *redisDisplayNameCache) Get(ctx context.Context, userID string) (string, bool, error) {
	name, err := c.client.Get(ctx, nameKey(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (c *redisDisplayNameCache) Set(ctx context.Context, userID, name string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, nameKey(userID), name, ttl).Err()
}

func (c *redisDisplayNameCache) Remove(ctx context.Context, userID string) error {
	return c.client.Del(ctx, nameKey(userID)).Err()
}

var _ registrycache.DisplayNameCache = (*redisDisplayNameCache)(nil)
