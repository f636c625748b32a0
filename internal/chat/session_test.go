package chat

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/chat-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// recorder keeps the latest value delivered to a callback.
type recorder[T any] struct {
	mu    sync.Mutex
	calls int
	last  T
}

func (r *recorder[T]) record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = v
}

func (r *recorder[T]) get() (T, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.calls
}

func conversationIDs(convs []model.Conversation) []string {
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	slices.Sort(ids)
	return ids
}

func sortedIDs(ids ...string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

func TestConversationList_TracksLinks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)

	var rec recorder[[]model.Conversation]
	dispose := s.OnConversationsChanged(rec.record)
	defer dispose()

	require.Eventually(t, func() bool {
		_, calls := rec.get()
		return calls > 0
	}, waitFor, 10*time.Millisecond)
	list, _ := rec.get()
	assert.Empty(t, list)

	direct, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	group, err := e.CreateGroup(ctx, alice, "team", []string{bob, carol}, "")
	require.NoError(t, err)
	other, err := e.CreateGroup(ctx, alice, "no bob", []string{carol}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list, _ := rec.get()
		return slices.Equal(conversationIDs(list), sortedIDs(direct.ID, group.ID))
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, e.AddMember(ctx, alice, other.ID, bob))
	require.Eventually(t, func() bool {
		list, _ := rec.get()
		return slices.Equal(conversationIDs(list), sortedIDs(direct.ID, group.ID, other.ID))
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, e.RemoveMember(ctx, alice, group.ID, bob))
	require.Eventually(t, func() bool {
		list, _ := rec.get()
		return slices.Equal(conversationIDs(list), sortedIDs(direct.ID, other.ID))
	}, waitFor, 10*time.Millisecond)

	sendText(t, e, direct.ID, alice, "ping", "")
	require.Eventually(t, func() bool {
		list, _ := rec.get()
		for _, c := range list {
			if c.ID == direct.ID {
				return c.LastMessage != nil && c.LastMessage.Text == "ping"
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestConversationList_DisposeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)

	var rec recorder[[]model.Conversation]
	dispose := s.OnConversationsChanged(rec.record)
	require.Eventually(t, func() bool {
		_, calls := rec.get()
		return calls > 0
	}, waitFor, 10*time.Millisecond)
	dispose()
	dispose()
	_, before := rec.get()

	_, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, after := rec.get()
	assert.Equal(t, before, after)
}

func TestActiveView_EvictedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	group, err := e.CreateGroup(ctx, alice, "team", []string{bob, carol}, "")
	require.NoError(t, err)

	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)

	var (
		evictions atomic.Int32
		evicted   atomic.Bool
		late      atomic.Int32
		messages  recorder[[]model.MessageView]
		roster    recorder[RosterUpdate]
	)
	view, err := s.Open(ctx, group.ID, ViewCallbacks{
		OnMessages: func(m []model.MessageView) {
			if evicted.Load() {
				late.Add(1)
			}
			messages.record(m)
		},
		OnRoster: func(u RosterUpdate) {
			if evicted.Load() {
				late.Add(1)
			}
			roster.record(u)
		},
		OnEvicted: func(id string) {
			assert.Equal(t, group.ID, id)
			evicted.Store(true)
			evictions.Add(1)
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		u, calls := roster.get()
		return calls > 0 && !u.IsAdmin && u.Conversation.ID == group.ID
	}, waitFor, 10*time.Millisecond)
	view.SetReplyTo(model.MessageView{ID: "m1"})

	sendText(t, e, group.ID, alice, "hello", "")
	require.Eventually(t, func() bool {
		m, _ := messages.get()
		return slices.ContainsFunc(m, func(v model.MessageView) bool { return v.Content == "hello" })
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, e.RemoveMember(ctx, alice, group.ID, bob))
	require.Eventually(t, func() bool { return evictions.Load() == 1 }, waitFor, 10*time.Millisecond)
	assert.True(t, view.Closed())
	assert.Nil(t, view.ReplyTo())
	assert.Nil(t, s.Active())

	// Further changes to the conversation reach nobody.
	require.NoError(t, e.AddMember(ctx, alice, group.ID, bob))
	sendText(t, e, group.ID, alice, "are you back?", "")
	require.NoError(t, e.RemoveMember(ctx, alice, group.ID, bob))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, int32(1), evictions.Load())
	assert.Zero(t, late.Load())
}

func TestActiveView_EvictedWhenDisbanded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	group, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)

	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)
	var evictions atomic.Int32
	_, err = s.Open(ctx, group.ID, ViewCallbacks{
		OnEvicted: func(string) { evictions.Add(1) },
	})
	require.NoError(t, err)

	require.NoError(t, e.DeleteConversation(ctx, alice, group.ID))
	require.Eventually(t, func() bool { return evictions.Load() == 1 }, waitFor, 10*time.Millisecond)
}

func TestActiveView_AdminFlagFollowsTransfer(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	group, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)

	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)
	var (
		roster       recorder[RosterUpdate]
		adminChanges atomic.Int32
	)
	_, err = s.Open(ctx, group.ID, ViewCallbacks{OnRoster: func(u RosterUpdate) {
		if u.Change.AdminChanged {
			assert.Equal(t, alice, u.Change.PreviousAdminID)
			adminChanges.Add(1)
		}
		roster.record(u)
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		u, calls := roster.get()
		return calls > 0 && !u.IsAdmin
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, e.TransferAdmin(ctx, alice, group.ID, bob))
	require.Eventually(t, func() bool {
		u, _ := roster.get()
		return u.IsAdmin && adminChanges.Load() == 1
	}, waitFor, 10*time.Millisecond)
}

func TestSession_OpenClosesPreviousView(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	first, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	second, _, err := e.CreateDirectConversation(ctx, carol, bob)
	require.NoError(t, err)

	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)

	var firstMsgs atomic.Int32
	v1, err := s.Open(ctx, first.ID, ViewCallbacks{
		OnMessages: func([]model.MessageView) { firstMsgs.Add(1) },
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return firstMsgs.Load() > 0 }, waitFor, 10*time.Millisecond)
	v1.SetReplyTo(model.MessageView{ID: "x"})

	var secondMsgs recorder[[]model.MessageView]
	v2, err := s.Open(ctx, second.ID, ViewCallbacks{OnMessages: secondMsgs.record})
	require.NoError(t, err)
	assert.True(t, v1.Closed())
	assert.Nil(t, v1.ReplyTo())
	assert.Same(t, v2, s.Active())
	seen := firstMsgs.Load()

	sendText(t, e, first.ID, alice, "to first", "")
	sendText(t, e, second.ID, carol, "to second", "")
	require.Eventually(t, func() bool {
		m, _ := secondMsgs.get()
		return len(m) == 1 && m[0].Content == "to second"
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, seen, firstMsgs.Load())

	_, err = s.Open(ctx, "missing", ViewCallbacks{})
	require.Error(t, err)
	assert.Same(t, v2, s.Active())
}

func TestActiveView_SendUsesReplyTarget(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	conv, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	orig := sendText(t, e, conv.ID, alice, "question", "")

	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)
	view, err := s.Open(ctx, conv.ID, ViewCallbacks{})
	require.NoError(t, err)

	view.SetReplyTo(orig.ForViewer(bob))
	msg, err := view.Send(ctx, model.MessageTypeText, "answer", "")
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, orig.ID, msg.ReplyTo.ID)
	assert.Nil(t, view.ReplyTo())

	view.Close()
	_, err = view.Send(ctx, model.MessageTypeText, "late", "")
	require.Error(t, err)
}

func TestSession_OnMessagesChanged(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	conv, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)

	s := e.NewSession(ctx, bob)
	t.Cleanup(s.Close)
	var rec recorder[[]model.MessageView]
	dispose := s.OnMessagesChanged(conv.ID, rec.record)
	defer dispose()

	first := sendText(t, e, conv.ID, alice, "one", "")
	sendText(t, e, conv.ID, alice, "two", "")
	require.Eventually(t, func() bool {
		m, _ := rec.get()
		return len(m) == 2
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, e.DeleteForSelf(ctx, first.ID, bob))
	require.Eventually(t, func() bool {
		m, _ := rec.get()
		return len(m) == 2 && m[0].Tombstone && m[1].Content == "two"
	}, waitFor, 10*time.Millisecond)
}

func TestSession_CloseEndsSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(t, nil)
	conv, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)

	s := e.NewSession(ctx, bob)
	_, err = s.Open(ctx, conv.ID, ViewCallbacks{})
	require.NoError(t, err)
	s.OnConversationsChanged(func([]model.Conversation) {})
	require.Eventually(t, func() bool { return s.subs.Len() == 4 }, waitFor, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return s.subs.Len() == 0 }, waitFor, 10*time.Millisecond)
	s.Close()
}
