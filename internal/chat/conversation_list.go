package chat

import (
	"cmp"
	"context"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/subscription"
)

// conversationList joins the user's membership links (level 1) with the
// conversations they point at (level 2). mu serializes recomputation and
// delivery.
type conversationList struct {
	s  *Session
	cb func([]model.Conversation)

	disposed atomic.Bool

	mu     sync.Mutex
	ids    []string
	docs   map[string]model.Conversation
	level2 uint64
	last   []model.Conversation
	sent   bool
}

// OnConversationsChanged delivers the user's conversation list whenever a
// link or a linked conversation changes. The list contains exactly the
// conversations the user has links to; order is unspecified.
func (s *Session) OnConversationsChanged(cb func([]model.Conversation)) Disposer {
	l := &conversationList{s: s, cb: cb, docs: map[string]model.Conversation{}}
	s.subs.Subscribe(s.ctx, subscription.MembershipsOf(s.userID), model.CollectionMemberships,
		registrystore.Where(registrystore.Eq("userId", s.userID)), l.onLinks)
	return func() {
		l.disposed.Store(true)
		s.subs.Cancel(subscription.MembershipsOf(s.userID))
		s.subs.Cancel(subscription.ConversationsOf(s.userID))
	}
}

// onLinks runs under the membershipsOf delivery lock. The level-2 view is
// retired after l.mu is released, since its callback takes l.mu.
func (l *conversationList) onLinks(snap subscription.Snapshot) {
	key := subscription.ConversationsOf(l.s.userID)

	l.mu.Lock()
	if l.disposed.Load() {
		l.mu.Unlock()
		return
	}
	var ids []string
	if !snap.Degraded() {
		ids = linkedConversationIDs(snap.Docs)
		if slices.Equal(ids, l.ids) {
			l.deliver()
			l.mu.Unlock()
			return
		}
	}
	l.ids = ids
	l.level2++
	gen := l.level2
	if len(ids) == 0 {
		l.docs = map[string]model.Conversation{}
		l.deliver()
		l.mu.Unlock()
		l.s.subs.Cancel(key)
		return
	}
	// The first list comes from the level-2 snapshot.
	if l.sent {
		l.deliver()
	}
	l.mu.Unlock()

	l.s.subs.Replace(l.s.ctx, key, model.CollectionConversations,
		registrystore.Where(registrystore.In(registrystore.FieldID, ids)),
		func(snap subscription.Snapshot) { l.onConversations(gen, snap) })
}

func (l *conversationList) onConversations(gen uint64, snap subscription.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed.Load() || gen != l.level2 {
		return
	}
	if snap.Degraded() {
		// The cached documents stay valid until the link set changes.
		return
	}
	docs := make(map[string]model.Conversation, len(snap.Docs))
	for _, d := range snap.Docs {
		var c model.Conversation
		if err := d.Decode(&c); err != nil {
			log.Warn("Skipping undecodable conversation", "id", d.ID, "err", err)
			continue
		}
		docs[c.ID] = c
	}
	l.docs = docs
	l.deliver()
}

// deliver sends the cached conversations filtered by the current link set
// unless that equals the previous delivery. Caller holds l.mu.
func (l *conversationList) deliver() {
	out := make([]model.Conversation, 0, len(l.ids))
	for _, id := range l.ids {
		if c, ok := l.docs[id]; ok {
			out = append(out, c)
		}
	}
	if l.sent && reflect.DeepEqual(out, l.last) {
		return
	}
	l.last, l.sent = out, true
	l.cb(slices.Clone(out))
}

func linkedConversationIDs(links []registrystore.Document) []string {
	ids := make([]string, 0, len(links))
	for _, d := range links {
		if id, ok := d.Fields["conversationId"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// ListConversations returns the user's conversations once, most recently
// active first.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	links, err := e.store.Query(ctx, model.CollectionMemberships, registrystore.Where(registrystore.Eq("userId", userID)))
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Query(ctx, model.CollectionConversations,
		registrystore.Where(registrystore.In(registrystore.FieldID, linkedConversationIDs(links))))
	if err != nil {
		return nil, err
	}
	convs, err := registrystore.DecodeAll[model.Conversation](docs)
	if err != nil {
		return nil, err
	}
	SortByLastActivity(convs)
	return convs, nil
}

// SortByLastActivity orders conversations by their last message, falling
// back to creation time, newest first.
func SortByLastActivity(convs []model.Conversation) {
	activity := func(c model.Conversation) int64 {
		if c.LastMessage != nil {
			return c.LastMessage.Timestamp
		}
		return c.CreatedAt
	}
	slices.SortStableFunc(convs, func(a, b model.Conversation) int {
		if c := cmp.Compare(activity(b), activity(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
