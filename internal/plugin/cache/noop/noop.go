package noop

import (
	"context"
	"time"

	"github.com/chirino/chat-sync/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.DisplayNameCache, error) {
			return &noopDisplayNameCache{}, nil
		},
	})
}

type noopDisplayNameCache struct{}

func (n *noopDisplayNameCache) Available() bool { return false }
func (n *noopDisplayNameCache) Get(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (n *noopDisplayNameCache) Set(context.Context, string, string, time.Duration) error {
	return nil
}
func (n *noopDisplayNameCache) Remove(context.Context, string) error { return nil }

var _ cache.DisplayNameCache = (*noopDisplayNameCache)(nil)
