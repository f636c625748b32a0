package chat

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/subscription"
)

// Disposer stops a live view. Calling it more than once is harmless.
type Disposer func()

// Session holds one user's live views. At most one conversation is open
// at a time.
type Session struct {
	engine *Engine
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	subs   *subscription.Manager

	mu     sync.Mutex
	active *ActiveView
}

// NewSession creates a session for userID. It ends when ctx is done or
// Close is called.
func (e *Engine) NewSession(ctx context.Context, userID string) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		engine: e,
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		subs:   subscription.NewManager(e.store),
	}
	context.AfterFunc(ctx, s.subs.Close)
	return s
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.userID }

// Active returns the open conversation view, or nil.
func (s *Session) Active() *ActiveView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close ends every live view of the session.
func (s *Session) Close() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()
	if active != nil {
		active.Close()
	}
	s.cancel()
	s.subs.Close()
}

// Open makes conversationID the active view. The previously active view
// is closed first: no callback of it starts once Open returns.
func (s *Session) Open(ctx context.Context, conversationID string, cb ViewCallbacks) (*ActiveView, error) {
	if _, err := s.engine.memberConversation(ctx, s.userID, conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	v := newActiveView(s, conversationID, cb)
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
	v.start()
	return v, nil
}

func (s *Session) release(v *ActiveView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == v {
		s.active = nil
	}
}

// OnMessagesChanged delivers the conversation's messages, rendered for the
// session user, whenever they change. It shares the messagesOf view with
// Open: installing one supersedes the other for the same conversation.
func (s *Session) OnMessagesChanged(conversationID string, cb func([]model.MessageView)) Disposer {
	h := s.subs.Subscribe(s.ctx, subscription.MessagesOf(conversationID), model.CollectionMessages,
		messagesQuery(conversationID), func(snap subscription.Snapshot) {
			if snap.Degraded() {
				return
			}
			msgs, err := registrystore.DecodeAll[model.Message](snap.Docs)
			if err != nil {
				log.Warn("Skipping undecodable messages", "conversation", conversationID, "err", err)
				return
			}
			cb(renderMessages(msgs, s.userID))
		})
	return func() { s.subs.Unsubscribe(h) }
}
