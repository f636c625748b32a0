// Package changefeed turns "collection changed" notices into live query
// snapshots for store subscriptions.
package changefeed

import (
	"context"
	"errors"
	"reflect"
	"sync"

	registrystore "github.com/chirino/chat-sync/internal/registry/store"
)

// ErrClosed is delivered to subscriptions opened on a closed hub.
var ErrClosed = errors.New("changefeed closed")

// QueryFunc runs a query against the backing store.
type QueryFunc func(ctx context.Context, collection string, q registrystore.Query) ([]registrystore.Document, error)

// Hub tracks live subscriptions. Each subscription owns one goroutine that
// re-runs its query whenever its collection is notified and delivers the
// result when it differs from the previous one. Deliveries for a single
// subscription are serial.
type Hub struct {
	query QueryFunc

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscription
	next   uint64
	closed bool
}

type subscription struct {
	collection string
	q          registrystore.Query
	fn         registrystore.SnapshotFunc
	wake       chan struct{}
	done       chan struct{}
	once       sync.Once
}

// New creates a hub that evaluates queries with query.
func New(query QueryFunc) *Hub {
	return &Hub{
		query: query,
		subs:  map[string]map[uint64]*subscription{},
	}
}

// Subscribe registers a live query and schedules its initial snapshot.
func (h *Hub) Subscribe(ctx context.Context, collection string, q registrystore.Query, fn registrystore.SnapshotFunc) registrystore.Disposer {
	sub := &subscription{
		collection: collection,
		q:          q,
		fn:         fn,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		go fn(nil, ErrClosed)
		return func() {}
	}
	id := h.next
	h.next++
	if h.subs[collection] == nil {
		h.subs[collection] = map[uint64]*subscription{}
	}
	h.subs[collection][id] = sub
	h.mu.Unlock()

	sub.wake <- struct{}{}
	go h.run(ctx, id, sub)

	return func() {
		sub.stop()
		h.remove(collection, id)
	}
}

// Notify wakes every subscription on the given collections.
func (h *Hub) Notify(collections ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range collections {
		for _, sub := range h.subs[c] {
			select {
			case sub.wake <- struct{}{}:
			default:
			}
		}
	}
}

// NotifyAll wakes every subscription.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	collections := make([]string, 0, len(h.subs))
	for c := range h.subs {
		collections = append(collections, c)
	}
	h.mu.Unlock()
	h.Notify(collections...)
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Close stops every subscription. Later subscriptions fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.subs
	h.subs = map[string]map[uint64]*subscription{}
	h.mu.Unlock()
	for _, subs := range all {
		for _, sub := range subs {
			sub.stop()
		}
	}
}

func (h *Hub) remove(collection string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[collection]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subs, collection)
		}
	}
}

func (h *Hub) run(ctx context.Context, id uint64, sub *subscription) {
	defer h.remove(sub.collection, id)

	var last []registrystore.Document
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.wake:
		}

		docs, err := h.query(ctx, sub.collection, sub.q)
		if sub.stopped(ctx) {
			return
		}
		if err != nil {
			sub.fn(nil, err)
			sub.stop()
			return
		}
		if delivered && sameSnapshot(last, docs) {
			continue
		}
		delivered = true
		last = docs
		sub.fn(docs, nil)
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) stopped(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func sameSnapshot(a, b []registrystore.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !reflect.DeepEqual(a[i].Fields, b[i].Fields) {
			return false
		}
	}
	return true
}
