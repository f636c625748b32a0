package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/chat-sync/internal/plugin/store/memory"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func quiet(t *testing.T, ch <-chan Snapshot) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func sink(ch chan<- Snapshot) Callback {
	return func(s Snapshot) { ch <- s }
}

func TestReplace_DropsOldGeneration(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := NewManager(store)
	defer m.Close()

	oldCh := make(chan Snapshot, 8)
	newCh := make(chan Snapshot, 8)
	key := ConversationsOf("alice")

	h1 := m.Subscribe(ctx, key, "conversations", registrystore.Where(registrystore.In(registrystore.FieldID, []string{"c1"})), sink(oldCh))
	next(t, oldCh)

	h2 := m.Replace(ctx, key, "conversations", registrystore.Where(registrystore.In(registrystore.FieldID, []string{"c2"})), sink(newCh))
	assert.Greater(t, h2.Generation, h1.Generation)
	next(t, newCh)
	assert.Equal(t, 1, store.Subscriptions())

	require.NoError(t, store.Set(ctx, "conversations", "c1", map[string]any{"name": "one"}))
	require.NoError(t, store.Set(ctx, "conversations", "c2", map[string]any{"name": "two"}))

	s := next(t, newCh)
	require.Len(t, s.Docs, 1)
	assert.Equal(t, "c2", s.Docs[0].ID)
	quiet(t, oldCh)

	// A stale handle cannot cancel the current subscription.
	m.Unsubscribe(h1)
	assert.True(t, m.Active(key))
	m.Unsubscribe(h2)
	m.Unsubscribe(h2)
	assert.False(t, m.Active(key))
	assert.Equal(t, 0, store.Subscriptions())
}

func TestCancel_StopsDeliveries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := NewManager(store)

	ch := make(chan Snapshot, 8)
	key := MessagesOf("c1")
	m.Subscribe(ctx, key, "messages", registrystore.Where(registrystore.Eq("conversationId", "c1")), sink(ch))
	next(t, ch)

	m.Cancel(key)
	m.Cancel(key)
	require.NoError(t, store.Set(ctx, "messages", "m1", map[string]any{"conversationId": "c1"}))
	quiet(t, ch)
	assert.Equal(t, 0, m.Len())
}

type failingStore struct {
	registrystore.DocumentStore
	err error
}

func (f failingStore) Subscribe(_ context.Context, _ string, _ registrystore.Query, fn registrystore.SnapshotFunc) registrystore.Disposer {
	go fn(nil, f.err)
	return func() {}
}

func TestStoreErrorIsDeliveredAsDegradedSnapshot(t *testing.T) {
	boom := errors.New("permission denied")
	m := NewManager(failingStore{err: boom})
	defer m.Close()

	ch := make(chan Snapshot, 1)
	m.Subscribe(context.Background(), RosterOf("c1"), "conversations", registrystore.Query{}, sink(ch))
	s := next(t, ch)
	assert.True(t, s.Degraded())
	assert.ErrorIs(t, s.Err, boom)
	assert.Nil(t, s.Docs)
}

func TestCallbackPanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := NewManager(store)
	defer m.Close()

	calls := make(chan struct{}, 4)
	m.Subscribe(ctx, FriendRequestsOf("bob"), "friend_requests", registrystore.Query{}, func(Snapshot) {
		calls <- struct{}{}
		panic("boom")
	})
	<-calls
	require.NoError(t, store.Set(ctx, "friend_requests", "r1", map[string]any{"to": "bob"}))
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription stopped after a panicking callback")
	}
}

func TestClose_MakesLaterSubscriptionsInert(t *testing.T) {
	store := memory.New()
	m := NewManager(store)
	m.Close()

	ch := make(chan Snapshot, 1)
	m.Subscribe(context.Background(), MembershipsOf("alice"), "memberships", registrystore.Query{}, sink(ch))
	quiet(t, ch)
	assert.Equal(t, 0, store.Subscriptions())
}

// captureStore hands the raw snapshot functions to the test so deliveries
// can be driven by hand.
type captureStore struct {
	registrystore.DocumentStore

	mu  sync.Mutex
	fns []registrystore.SnapshotFunc
}

func (c *captureStore) Subscribe(_ context.Context, _ string, _ registrystore.Query, fn registrystore.SnapshotFunc) registrystore.Disposer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
	return func() {}
}

func (c *captureStore) fn(i int) registrystore.SnapshotFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fns[i]
}

func TestReplace_WaitsForRunningCallback(t *testing.T) {
	ctx := context.Background()
	store := &captureStore{}
	m := NewManager(store)
	defer m.Close()
	key := MessagesOf("c1")

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var oldEffects atomic.Int32
	m.Subscribe(ctx, key, "messages", registrystore.Query{}, func(Snapshot) {
		entered <- struct{}{}
		<-release
		oldEffects.Add(1)
	})
	go store.fn(0)(nil, nil)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never started")
	}

	newCh := make(chan Snapshot, 1)
	replaced := make(chan struct{})
	go func() {
		m.Replace(ctx, key, "messages", registrystore.Query{}, sink(newCh))
		close(replaced)
	}()
	select {
	case <-replaced:
		t.Fatal("Replace returned while the old callback was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-replaced:
	case <-time.After(2 * time.Second):
		t.Fatal("Replace did not return after the old callback finished")
	}
	assert.Equal(t, int32(1), oldEffects.Load())

	// Late deliveries of the old subscription are dropped.
	store.fn(0)(nil, nil)
	assert.Equal(t, int32(1), oldEffects.Load())
	assert.Len(t, entered, 0)

	store.fn(1)(nil, nil)
	next(t, newCh)
}

func TestCancel_WaitsForRunningCallback(t *testing.T) {
	store := &captureStore{}
	m := NewManager(store)
	defer m.Close()
	key := RosterOf("c1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var done atomic.Bool
	m.Subscribe(context.Background(), key, "conversations", registrystore.Query{}, func(Snapshot) {
		close(entered)
		<-release
		done.Store(true)
	})
	go store.fn(0)(nil, nil)
	<-entered

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	m.Cancel(key)
	assert.True(t, done.Load())
	assert.False(t, m.Active(key))
}
