package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrycache "github.com/chirino/chat-sync/internal/registry/cache"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
)

// Directory resolves user display names from the users collection.
type Directory struct {
	store registrystore.DocumentStore
	cache registrycache.DisplayNameCache
	ttl   time.Duration
}

// DisplayName returns the user's display name, or model.DefaultDisplayName
// when the user has no profile or the lookup fails.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	cached := d.cache != nil && d.cache.Available()
	if cached {
		name, ok, err := d.cache.Get(ctx, userID)
		if err != nil {
			log.Warn("Display name cache read failed", "user", userID, "err", err)
		}
		security.CacheLookup(ok)
		if ok {
			return name
		}
	}

	name := model.DefaultDisplayName
	profile, err := d.profile(ctx, userID)
	switch {
	case err == nil:
		if n := strings.TrimSpace(profile.DisplayName); n != "" {
			name = n
		}
	case isNotFound(err):
	default:
		log.Warn("Display name lookup failed", "user", userID, "err", err)
		return name
	}

	if cached {
		if err := d.cache.Set(ctx, userID, name, d.ttl); err != nil {
			log.Warn("Display name cache write failed", "user", userID, "err", err)
		}
	}
	return name
}

// Member builds a roster entry for userID with its current display name.
func (d *Directory) Member(ctx context.Context, userID string) model.Member {
	return model.Member{UserID: userID, DisplayName: d.DisplayName(ctx, userID)}
}

func (d *Directory) profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	doc, err := d.store.Get(ctx, model.CollectionUsers, userID)
	if err != nil {
		return nil, err
	}
	var p model.UserProfile
	if err := doc.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Directory) forget(ctx context.Context, userID string) {
	if d.cache == nil || !d.cache.Available() {
		return
	}
	if err := d.cache.Remove(ctx, userID); err != nil {
		log.Warn("Display name cache eviction failed", "user", userID, "err", err)
	}
}

// Profile returns a user's profile.
func (e *Engine) Profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	return e.directory.profile(ctx, userID)
}

// UpsertProfile creates or replaces a user's profile. Existing roster and
// reply snapshots keep the name they captured.
func (e *Engine) UpsertProfile(ctx context.Context, userID, displayName, avatarURL string) (*model.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &registrystore.ValidationError{Field: "id", Message: "user id is required"}
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, &registrystore.ValidationError{Field: "displayName", Message: "display name is required"}
	}
	err := e.store.Set(ctx, model.CollectionUsers, userID, map[string]any{
		"displayName": displayName,
		"avatarUrl":   avatarURL,
		"updatedAt":   registrystore.ServerTimestamp(),
	})
	if err != nil {
		return nil, err
	}
	e.directory.forget(ctx, userID)
	return e.directory.profile(ctx, userID)
}

func isNotFound(err error) bool {
	var notFound *registrystore.NotFoundError
	return errors.As(err, &notFound)
}
