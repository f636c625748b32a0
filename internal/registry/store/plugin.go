package store

import (
	"context"
	"fmt"
)

// SnapshotFunc receives the full result set of a subscription each time it
// changes. A non-nil err terminates the subscription; no further snapshots follow.
type SnapshotFunc func(docs []Document, err error)

// Disposer cancels a subscription. It is safe to call more than once.
type Disposer func()

// DocumentStore is the document database the chat engine runs on.
type DocumentStore interface {
	// Get returns the document or a *NotFoundError.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Query returns the documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Subscribe delivers the current result of q and then a fresh result each
	// time it changes, until the disposer is called or ctx ends.
	Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) Disposer

	// Add stores fields under a generated id.
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	// Set creates or replaces the document.
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	// Update merges patch into an existing document or returns a *NotFoundError.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Batch starts an atomic multi-document write.
	Batch() *WriteBatch

	Close() error
}

// Loader creates a DocumentStore from the config carried by ctx.
type Loader func(ctx context.Context) (DocumentStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
