package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/chirino/chat-sync/internal/subscription"
)

// ViewCallbacks receive the live state of an open conversation. Any of
// them may be nil. Calls are serialized.
type ViewCallbacks struct {
	OnMessages func([]model.MessageView)
	OnRoster   func(RosterUpdate)
	OnEvicted  func(conversationID string)
}

// ActiveView is the open conversation of a Session. It owns the
// conversation's message and roster subscriptions and the compose state.
type ActiveView struct {
	session        *Session
	conversationID string
	cb             ViewCallbacks
	monitor        *MembershipMonitor

	closed atomic.Bool

	// deliverMu serializes callbacks with eviction.
	deliverMu sync.Mutex

	subsMu  sync.Mutex
	handles []subscription.Handle

	composeMu sync.Mutex
	replyTo   *model.MessageView
}

func newActiveView(s *Session, conversationID string, cb ViewCallbacks) *ActiveView {
	return &ActiveView{
		session:        s,
		conversationID: conversationID,
		cb:             cb,
		monitor:        NewMembershipMonitor(s.userID),
	}
}

// ConversationID returns the id of the open conversation.
func (v *ActiveView) ConversationID() string { return v.conversationID }

// Closed reports whether the view was closed or evicted.
func (v *ActiveView) Closed() bool { return v.closed.Load() }

func (v *ActiveView) start() {
	s := v.session
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	v.handles = []subscription.Handle{
		s.subs.Subscribe(s.ctx, subscription.RosterOf(v.conversationID), model.CollectionConversations,
			registrystore.Where(registrystore.Eq(registrystore.FieldID, v.conversationID)), v.onRoster),
		s.subs.Subscribe(s.ctx, subscription.MessagesOf(v.conversationID), model.CollectionMessages,
			messagesQuery(v.conversationID), v.onMessages),
	}
}

// unsubscribe drops the view's subscriptions unless a newer view took over
// their keys. It waits for their running callbacks.
func (v *ActiveView) unsubscribe() {
	v.subsMu.Lock()
	handles := v.handles
	v.handles = nil
	v.subsMu.Unlock()
	for _, h := range handles {
		v.session.subs.Unsubscribe(h)
	}
}

func (v *ActiveView) onRoster(snap subscription.Snapshot) {
	if v.closed.Load() || snap.Degraded() {
		return
	}
	var conv *model.Conversation
	if len(snap.Docs) > 0 {
		var c model.Conversation
		if err := snap.Docs[0].Decode(&c); err != nil {
			log.Warn("Skipping undecodable conversation", "id", snap.Docs[0].ID, "err", err)
			return
		}
		conv = &c
	}
	update, evict, ok := v.monitor.Observe(conv)
	if !ok {
		return
	}
	if evict {
		v.evict()
		return
	}
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	if v.closed.Load() || v.cb.OnRoster == nil {
		return
	}
	v.cb.OnRoster(update)
}

func (v *ActiveView) onMessages(snap subscription.Snapshot) {
	if v.closed.Load() || snap.Degraded() {
		return
	}
	msgs, err := registrystore.DecodeAll[model.Message](snap.Docs)
	if err != nil {
		log.Warn("Skipping undecodable messages", "conversation", v.conversationID, "err", err)
		return
	}
	views := renderMessages(msgs, v.session.userID)
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	if v.closed.Load() || v.cb.OnMessages == nil {
		return
	}
	v.cb.OnMessages(views)
}

// evict runs on the roster callback when the user is no longer a member:
// the view is closed, compose state cleared, then OnEvicted runs. The
// subscriptions are dropped once the roster callback has returned.
func (v *ActiveView) evict() {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	if !v.closed.CompareAndSwap(false, true) {
		return
	}
	v.ClearCompose()
	v.session.release(v)
	go v.unsubscribe()
	security.Eviction()
	log.Debug("Conversation view evicted", "user", v.session.userID, "conversation", v.conversationID)
	if v.cb.OnEvicted != nil {
		v.cb.OnEvicted(v.conversationID)
	}
}

// Close ends the view without an eviction signal. No callback of the view
// runs once Close returns. It must not be called from a view callback.
func (v *ActiveView) Close() {
	if !v.closed.CompareAndSwap(false, true) {
		// Wait out an eviction that is still delivering OnEvicted.
		v.deliverMu.Lock()
		v.deliverMu.Unlock()
		return
	}
	v.unsubscribe()
	v.ClearCompose()
	v.session.release(v)
}

// SetReplyTo marks msg as the message the next Send replies to.
func (v *ActiveView) SetReplyTo(msg model.MessageView) {
	v.composeMu.Lock()
	defer v.composeMu.Unlock()
	v.replyTo = &msg
}

// ReplyTo returns the pending reply target, or nil.
func (v *ActiveView) ReplyTo() *model.MessageView {
	v.composeMu.Lock()
	defer v.composeMu.Unlock()
	return v.replyTo
}

// ClearCompose drops the pending reply target.
func (v *ActiveView) ClearCompose() {
	v.composeMu.Lock()
	defer v.composeMu.Unlock()
	v.replyTo = nil
}

// Send posts a message to the open conversation, replying to the pending
// reply target if any, and clears the compose state on success.
func (v *ActiveView) Send(ctx context.Context, msgType model.MessageType, content, url string) (*model.Message, error) {
	if v.closed.Load() {
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "conversation view is closed"}
	}
	req := SendMessageRequest{
		ConversationID: v.conversationID,
		SenderID:       v.session.userID,
		Type:           msgType,
		Content:        content,
		URL:            url,
	}
	if r := v.ReplyTo(); r != nil {
		req.ReplyToID = r.ID
	}
	msg, err := v.session.engine.SendMessage(ctx, req)
	if msg != nil {
		v.ClearCompose()
	}
	return msg, err
}
