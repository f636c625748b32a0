package service

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/model"
	"github.com/chirino/chat-sync/internal/plugin/store/memory"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkIDs(t *testing.T, store registrystore.DocumentStore) []string {
	t.Helper()
	docs, err := store.Query(context.Background(), model.CollectionMemberships, registrystore.Where())
	require.NoError(t, err)
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestLinkReconciler(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	engine := chat.New(store)

	g, err := engine.CreateGroup(ctx, "alice", "team", []string{"bob", "carol"}, "")
	require.NoError(t, err)
	d, _, err := engine.CreateDirectConversation(ctx, "alice", "dave")
	require.NoError(t, err)

	r := NewLinkReconciler(store, time.Minute, 1)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, res)

	// A lost link, a link to a non-member and a link to a deleted conversation.
	require.NoError(t, store.Delete(ctx, model.CollectionMemberships, model.MembershipLinkID("bob", g.ID)))
	require.NoError(t, store.Set(ctx, model.CollectionMemberships, model.MembershipLinkID("erin", g.ID), map[string]any{
		"userId": "erin", "conversationId": g.ID, "createdAt": int64(1),
	}))
	require.NoError(t, store.Set(ctx, model.CollectionMemberships, model.MembershipLinkID("alice", "gone"), map[string]any{
		"userId": "alice", "conversationId": "gone", "createdAt": int64(1),
	}))

	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Created: 1, Deleted: 2}, res)

	assert.ElementsMatch(t, []string{
		model.MembershipLinkID("alice", g.ID),
		model.MembershipLinkID("bob", g.ID),
		model.MembershipLinkID("carol", g.ID),
		model.MembershipLinkID("alice", d.ID),
		model.MembershipLinkID("dave", d.ID),
	}, linkIDs(t, store))

	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, res)
}

func TestLinkReconciler_StartStopsOnCancel(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	r := NewLinkReconciler(store, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
