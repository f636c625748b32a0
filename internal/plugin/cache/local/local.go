// Package local is an in-process display-name cache. Entries are not shared
// between instances, so a rename is visible elsewhere only after the TTL.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-sync/internal/config"
	registrycache "github.com/chirino/chat-sync/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

const defaultMaxEntries = 100_000

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.DisplayNameCache, error) {
			cfg := config.FromContext(ctx)
			var maxEntries int64
			var ttl time.Duration
			if cfg != nil {
				maxEntries, ttl = cfg.CacheLocalMaxEntries, cfg.CacheTTL
			}
			return New(maxEntries, ttl)
		},
	})
}

// New creates a cache holding at most maxEntries names.
func New(maxEntries int64, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{cache: c, ttl: ttl}, nil
}

// Cache is a ristretto-backed DisplayNameCache. Each entry costs 1.
type Cache struct {
	cache *ristretto.Cache[string, string]
	ttl   time.Duration
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Get(_ context.Context, userID string) (string, bool, error) {
	name, ok := c.cache.Get(userID)
	return name, ok, nil
}

// Set waits for the write buffer to drain so a following Get observes it.
func (c *Cache) Set(_ context.Context, userID, name string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(userID, name, 1, ttl)
	c.cache.Wait()
	return nil
}

func (c *Cache) Remove(_ context.Context, userID string) error {
	c.cache.Del(userID)
	return nil
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}

var _ registrycache.DisplayNameCache = (*Cache)(nil)
