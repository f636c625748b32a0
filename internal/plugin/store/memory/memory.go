package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chirino/chat-sync/internal/changefeed"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/google/uuid"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.DocumentStore, error) {
			return New(), nil
		},
	})
}

// Store is a process-local DocumentStore. Subscriptions are notified
// synchronously after every committed write.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	hub         *changefeed.Hub
	now         func() time.Time
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		collections: map[string]map[string]map[string]any{},
		now:         time.Now,
	}
	s.hub = changefeed.New(s.Query)
	return s
}

// WithClock overrides the clock used to resolve server timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(_ context.Context, collection, id string) (registrystore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.collections[collection][id]
	if !ok {
		return registrystore.Document{}, &registrystore.NotFoundError{Resource: collection, ID: id}
	}
	return registrystore.Document{ID: id, Fields: clone(fields)}, nil
}

func (s *Store) Query(_ context.Context, collection string, q registrystore.Query) ([]registrystore.Document, error) {
	s.mu.RLock()
	docs := make([]registrystore.Document, 0, len(s.collections[collection]))
	for id, fields := range s.collections[collection] {
		docs = append(docs, registrystore.Document{ID: id, Fields: fields})
	}
	s.mu.RUnlock()

	out := registrystore.Filter(docs, q)
	for i := range out {
		out[i].Fields = clone(out[i].Fields)
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, q registrystore.Query, fn registrystore.SnapshotFunc) registrystore.Disposer {
	return s.hub.Subscribe(ctx, collection, q, fn)
}

func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(_ context.Context, collection, id string, fields map[string]any) error {
	resolved := registrystore.ResolveFields(fields, s.now().UnixMilli())
	s.mu.Lock()
	s.bucket(collection)[id] = resolved
	s.mu.Unlock()
	s.hub.Notify(collection)
	return nil
}

func (s *Store) Update(_ context.Context, collection, id string, patch map[string]any) error {
	s.mu.Lock()
	existing, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return &registrystore.NotFoundError{Resource: collection, ID: id}
	}
	s.collections[collection][id] = registrystore.ApplyPatch(existing, patch, s.now().UnixMilli())
	s.mu.Unlock()
	s.hub.Notify(collection)
	return nil
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	delete(s.collections[collection], id)
	s.mu.Unlock()
	s.hub.Notify(collection)
	return nil
}

func (s *Store) Batch() *registrystore.WriteBatch {
	return registrystore.NewWriteBatch(s.commit)
}

type docKey struct {
	collection string
	id         string
}

// commit stages every op before touching the live maps so a failing op
// leaves the store unchanged.
func (s *Store) commit(_ context.Context, ops []registrystore.BatchOp) error {
	now := s.now().UnixMilli()

	s.mu.Lock()
	staged := map[docKey]map[string]any{}
	lookup := func(k docKey) (map[string]any, bool) {
		if fields, ok := staged[k]; ok {
			return fields, fields != nil
		}
		fields, ok := s.collections[k.collection][k.id]
		return fields, ok
	}
	for _, op := range ops {
		k := docKey{op.Collection, op.ID}
		switch op.Kind {
		case registrystore.BatchSet:
			staged[k] = registrystore.ResolveFields(op.Fields, now)
		case registrystore.BatchUpdate:
			existing, ok := lookup(k)
			if !ok {
				s.mu.Unlock()
				return &registrystore.NotFoundError{Resource: op.Collection, ID: op.ID}
			}
			staged[k] = registrystore.ApplyPatch(existing, op.Fields, now)
		case registrystore.BatchDelete:
			staged[k] = nil
		}
	}
	for k, fields := range staged {
		if fields == nil {
			delete(s.collections[k.collection], k.id)
			continue
		}
		s.bucket(k.collection)[k.id] = fields
	}
	s.mu.Unlock()

	s.hub.Notify(registrystore.Collections(ops)...)
	return nil
}

func (s *Store) Close() error {
	s.hub.Close()
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (s *Store) Subscriptions() int {
	return s.hub.Len()
}

func (s *Store) bucket(collection string) map[string]map[string]any {
	b, ok := s.collections[collection]
	if !ok {
		b = map[string]map[string]any{}
		s.collections[collection] = b
	}
	return b
}

func clone(fields map[string]any) map[string]any {
	out, _ := registrystore.Normalize(fields).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

var _ registrystore.DocumentStore = (*Store)(nil)
