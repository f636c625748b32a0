// Package chat is the conversation and message synchronization engine.
// Engine performs writes and one-shot reads; Session owns a user's live
// views.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrycache "github.com/chirino/chat-sync/internal/registry/cache"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

// Engine implements the chat operations on top of a DocumentStore.
type Engine struct {
	store     registrystore.DocumentStore
	directory *Directory
	events    registryevents.Publisher
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p registryevents.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithDisplayNameCache puts c in front of profile lookups.
func WithDisplayNameCache(c registrycache.DisplayNameCache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.directory.cache = c
		e.directory.ttl = ttl
	}
}

// New creates an engine.
func New(store registrystore.DocumentStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		directory: &Directory{store: store},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying document store.
func (e *Engine) Store() registrystore.DocumentStore { return e.store }

// Directory returns the user directory.
func (e *Engine) Directory() *Directory { return e.directory }

func (e *Engine) nowMillis() int64 { return e.now().UnixMilli() }

// newMessageID embeds createdAt so ids sort by creation time.
func newMessageID(createdAt int64) string {
	return fmt.Sprintf("%013d-%s", createdAt, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (e *Engine) conversation(ctx context.Context, id string) (*model.Conversation, error) {
	doc, err := e.store.Get(ctx, model.CollectionConversations, id)
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := doc.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (e *Engine) message(ctx context.Context, id string) (*model.Message, error) {
	doc, err := e.store.Get(ctx, model.CollectionMessages, id)
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := doc.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// publish hands e to the publisher without blocking the caller. Failures
// are logged and counted.
func (e *Engine) publish(ctx context.Context, eventType, key, actorID string, data map[string]any) {
	if e.events == nil {
		return
	}
	ev := registryevents.Event{
		Type:    eventType,
		Key:     key,
		ActorID: actorID,
		Time:    e.nowMillis(),
		Data:    data,
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		err := e.events.Publish(ctx, ev)
		security.EventPublished(ev.Type, err)
		if err != nil {
			log.Warn("Failed to publish event", "type", ev.Type, "key", ev.Key, "err", err)
		}
	}()
}
