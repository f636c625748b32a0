// Package subscription owns the live store subscriptions of one client
// session. Each logical view is addressed by a ViewKey; installing a new
// subscription under a key supersedes the old one, and callbacks from a
// superseded subscription are dropped.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
)

// ViewKey names a logical live view, such as "messagesOf:<conversation>".
type ViewKey string

func ConversationsOf(userID string) ViewKey { return ViewKey("conversationsOf:" + userID) }
func MembershipsOf(userID string) ViewKey { return ViewKey("membershipsOf:" + userID) }
func MessagesOf(conversationID string) ViewKey { return ViewKey("messagesOf:" + conversationID) }
func RosterOf(conversationID string) ViewKey { return ViewKey("rosterOf:" + conversationID) }
func FriendRequestsOf(userID string) ViewKey { return ViewKey("friendRequestsOf:" + userID) }

// Snapshot is one delivery. A degraded snapshot carries the store error and
// no documents; the subscription that produced it has ended.
type Snapshot struct {
	Docs []registrystore.Document
	Err  error
}

// Degraded reports whether the store failed to produce this snapshot.
func (s Snapshot) Degraded() bool { return s.Err != nil }

// Callback receives snapshots. Calls for one subscription are serial.
type Callback func(Snapshot)

// Handle identifies one installed subscription.
type Handle struct {
	Key        ViewKey
	Generation uint64
}

type entry struct {
	generation uint64
	dispose    registrystore.Disposer
}

// Manager tracks one subscription per ViewKey.
//
// Callbacks of one key run under that key's delivery lock, and retiring a
// key (Replace, Unsubscribe, Cancel, Close) waits for a callback of it that
// is still running. Once those calls return, no callback of the retired
// subscription runs or is still running. A callback therefore must not
// retire its own key, nor hold a lock that another key's callback needs
// while retiring that key.
type Manager struct {
	store registrystore.DocumentStore

	mu          sync.Mutex
	generations map[ViewKey]uint64
	active      map[ViewKey]*entry
	delivery    map[ViewKey]*sync.Mutex
	closed      bool
}

// NewManager creates a manager subscribing through store.
func NewManager(store registrystore.DocumentStore) *Manager {
	return &Manager{
		store:       store,
		generations: map[ViewKey]uint64{},
		active:      map[ViewKey]*entry{},
		delivery:    map[ViewKey]*sync.Mutex{},
	}
}

// Subscribe installs a subscription under key, superseding any existing one.
func (m *Manager) Subscribe(ctx context.Context, key ViewKey, collection string, q registrystore.Query, cb Callback) Handle {
	return m.install(ctx, key, collection, q, cb)
}

// Replace swaps the subscription under key for a new query. The old
// subscription is torn down before the new one is opened, and no callback
// of it is observed once Replace returns.
func (m *Manager) Replace(ctx context.Context, key ViewKey, collection string, q registrystore.Query, cb Callback) Handle {
	return m.install(ctx, key, collection, q, cb)
}

// Unsubscribe cancels h if it is still the current subscription for its key.
func (m *Manager) Unsubscribe(h Handle) {
	m.mu.Lock()
	if m.generations[h.Key] != h.Generation {
		m.mu.Unlock()
		return
	}
	old := m.retire(h.Key)
	dl := m.deliveryLock(h.Key)
	m.mu.Unlock()
	drain(dl)
	disposeEntry(old)
}

// Cancel tears down whatever subscription key holds.
func (m *Manager) Cancel(key ViewKey) {
	m.mu.Lock()
	old := m.retire(key)
	dl := m.deliveryLock(key)
	m.mu.Unlock()
	drain(dl)
	disposeEntry(old)
}

// Active reports whether key has a live subscription.
func (m *Manager) Active(key ViewKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key]
	return ok
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close cancels every subscription. Later subscriptions are inert.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var old []*entry
	for key := range m.active {
		old = append(old, m.retire(key))
	}
	locks := make([]*sync.Mutex, 0, len(m.delivery))
	for _, dl := range m.delivery {
		locks = append(locks, dl)
	}
	m.mu.Unlock()
	for _, dl := range locks {
		drain(dl)
	}
	for _, e := range old {
		disposeEntry(e)
	}
}

func (m *Manager) install(ctx context.Context, key ViewKey, collection string, q registrystore.Query, cb Callback) Handle {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{Key: key}
	}
	old := m.retire(key)
	gen := m.generations[key]
	dl := m.deliveryLock(key)
	m.mu.Unlock()

	drain(dl)
	disposeEntry(old)

	dispose := m.store.Subscribe(ctx, collection, q, func(docs []registrystore.Document, err error) {
		m.deliver(key, gen, cb, Snapshot{Docs: docs, Err: err})
	})

	m.mu.Lock()
	if m.closed || m.generations[key] != gen {
		// Superseded while the store subscription was being opened.
		m.mu.Unlock()
		dispose()
		return Handle{Key: key, Generation: gen}
	}
	m.active[key] = &entry{generation: gen, dispose: dispose}
	m.mu.Unlock()
	security.SubscriptionOpened()
	return Handle{Key: key, Generation: gen}
}

// retire bumps key's generation and detaches its entry. Caller holds m.mu.
func (m *Manager) retire(key ViewKey) *entry {
	m.generations[key]++
	old := m.active[key]
	delete(m.active, key)
	return old
}

// deliveryLock returns key's delivery lock. Caller holds m.mu.
func (m *Manager) deliveryLock(key ViewKey) *sync.Mutex {
	dl := m.delivery[key]
	if dl == nil {
		dl = &sync.Mutex{}
		m.delivery[key] = dl
	}
	return dl
}

// drain waits for the callback running under dl, if any. Callbacks that
// start later see the bumped generation and drop their snapshot.
func drain(dl *sync.Mutex) {
	dl.Lock()
	dl.Unlock()
}

func disposeEntry(e *entry) {
	if e == nil {
		return
	}
	e.dispose()
	security.SubscriptionClosed()
}

func (m *Manager) current(key ViewKey, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.generations[key] == gen
}

func (m *Manager) deliver(key ViewKey, gen uint64, cb Callback, snap Snapshot) {
	m.mu.Lock()
	dl := m.deliveryLock(key)
	m.mu.Unlock()
	dl.Lock()
	defer dl.Unlock()

	if !m.current(key, gen) {
		security.StaleCallback()
		return
	}
	if snap.Err != nil {
		log.Warn("Subscription degraded", "key", key, "err", snap.Err)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Subscription callback panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()
	cb(snap)
}
