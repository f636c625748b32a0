package cache

import (
	"context"
	"fmt"
	"time"
)

type displayNameCacheKey struct{}

// WithDisplayNameCacheContext returns a new context carrying the given DisplayNameCache.
func WithDisplayNameCacheContext(ctx context.Context, c DisplayNameCache) context.Context {
	return context.WithValue(ctx, displayNameCacheKey{}, c)
}

// DisplayNameCacheFromContext retrieves the DisplayNameCache from the context.
// Returns nil if none was set.
func DisplayNameCacheFromContext(ctx context.Context) DisplayNameCache {
	c, _ := ctx.Value(displayNameCacheKey{}).(DisplayNameCache)
	return c
}

// DisplayNameCache caches user display names read from the users collection.
// Get reports a miss with ok == false; errors are reserved for backend failures.
type DisplayNameCache interface {
	Available() bool
	Get(ctx context.Context, userID string) (name string, ok bool, err error)
	Set(ctx context.Context, userID, name string, ttl time.Duration) error
	Remove(ctx context.Context, userID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (DisplayNameCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
