// Package storetest holds behaviour checks every DocumentStore backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. Each check uses its own collection names so a single
// store instance can be shared.
func Run(t *testing.T, s registrystore.DocumentStore) {
	t.Run("GetSetUpdateDelete", func(t *testing.T) { testCRUD(t, s) })
	t.Run("QueryPredicates", func(t *testing.T) { testQuery(t, s) })
	t.Run("ArrayUnionIsIdempotent", func(t *testing.T) { testArrayUnion(t, s) })
	t.Run("BatchIsAtomic", func(t *testing.T) { testBatch(t, s) })
	t.Run("SubscribeFollowsChanges", func(t *testing.T) { testSubscribe(t, s) })
}

func testCRUD(t *testing.T, s registrystore.DocumentStore) {
	ctx := context.Background()
	id, err := s.Add(ctx, "crud", map[string]any{
		"content":    "hi",
		"createdAt":  1700000000123,
		"serverTime": registrystore.ServerTimestamp(),
		"replyTo":    map[string]any{"id": "m0"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Get(ctx, "crud", id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "hi", doc.Fields["content"])
	assert.Equal(t, float64(1700000000123), doc.Fields["createdAt"])
	assert.Greater(t, doc.Fields["serverTime"], float64(0))

	require.NoError(t, s.Update(ctx, "crud", id, map[string]any{"revoked": true}))
	doc, err = s.Get(ctx, "crud", id)
	require.NoError(t, err)
	assert.Equal(t, true, doc.Fields["revoked"])
	assert.Equal(t, "hi", doc.Fields["content"])

	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, s.Update(ctx, "crud", "missing", map[string]any{"revoked": true}), &notFound)

	require.NoError(t, s.Set(ctx, "crud", id, map[string]any{"content": "replaced"}))
	doc, err = s.Get(ctx, "crud", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "replaced"}, doc.Fields)

	require.NoError(t, s.Delete(ctx, "crud", id))
	require.NoError(t, s.Delete(ctx, "crud", id))
	_, err = s.Get(ctx, "crud", id)
	require.ErrorAs(t, err, &notFound)
}

func testQuery(t *testing.T, s registrystore.DocumentStore) {
	ctx := context.Background()
	docs := map[string]map[string]any{
		"m1": {"conversationId": "c1", "createdAt": 3, "revoked": false},
		"m2": {"conversationId": "c1", "createdAt": 1, "revoked": true, "replyTo": map[string]any{"id": "m1"}},
		"m3": {"conversationId": "c2", "createdAt": 2, "revoked": false, "replyTo": map[string]any{"id": "m1"}},
	}
	for id, fields := range docs {
		require.NoError(t, s.Set(ctx, "query", id, fields))
	}

	got, err := s.Query(ctx, "query", registrystore.Where(registrystore.Eq("conversationId", "c1")).Ordered("createdAt", false))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, ids(got))

	got, err = s.Query(ctx, "query", registrystore.Where(
		registrystore.Eq("conversationId", "c1"),
		registrystore.Eq("replyTo.id", "m1"),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(got))

	got, err = s.Query(ctx, "query", registrystore.Where(registrystore.Eq("revoked", false)).Ordered("createdAt", true))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids(got))

	got, err = s.Query(ctx, "query", registrystore.Where(registrystore.In(registrystore.FieldID, []string{"m3", "m1", "zz"})).Ordered(registrystore.FieldID, false))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids(got))

	got, err = s.Query(ctx, "query", registrystore.Where(registrystore.In("conversationId", []string{})))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Query(ctx, "query", registrystore.Query{}.Ordered("createdAt", false).Limited(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, ids(got))
}

func testArrayUnion(t *testing.T, s registrystore.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "union", "m1", map[string]any{"deletedFor": []string{}}))
	for range 2 {
		require.NoError(t, s.Update(ctx, "union", "m1", map[string]any{
			"deletedFor":    registrystore.ArrayUnion("bob"),
			"lastDeletedAt": registrystore.ServerTimestamp(),
		}))
	}
	doc, err := s.Get(ctx, "union", "m1")
	require.NoError(t, err)
	assert.Equal(t, []any{"bob"}, doc.Fields["deletedFor"])
}

func testBatch(t *testing.T, s registrystore.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "batch", "a", map[string]any{"n": 1}))

	err := s.Batch().
		Update("batch", "a", map[string]any{"n": 2}).
		Update("batch", "missing", map[string]any{"n": 2}).
		Commit(ctx)
	require.Error(t, err)
	doc, err := s.Get(ctx, "batch", "a")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Fields["n"])

	require.NoError(t, s.Batch().
		Update("batch", "a", map[string]any{"n": 2}).
		Set("batch", "b", map[string]any{"n": 3}).
		Commit(ctx))
	got, err := s.Query(ctx, "batch", registrystore.Query{}.Ordered("n", false))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	require.NoError(t, s.Batch().Delete("batch", "a").Delete("batch", "b").Commit(ctx))
	got, err = s.Query(ctx, "batch", registrystore.Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSubscribe(t *testing.T, s registrystore.DocumentStore) {
	ctx := context.Background()
	snapshots := make(chan []registrystore.Document, 16)
	dispose := s.Subscribe(ctx, "subscribe", registrystore.Where(registrystore.Eq("userId", "u1")),
		func(docs []registrystore.Document, err error) {
			assert.NoError(t, err)
			snapshots <- docs
		})
	defer dispose()

	assert.Empty(t, Next(t, snapshots))

	require.NoError(t, s.Set(ctx, "subscribe", "u1_c1", map[string]any{"userId": "u1", "conversationId": "c1"}))
	assert.Equal(t, []string{"u1_c1"}, ids(Next(t, snapshots)))

	require.NoError(t, s.Delete(ctx, "subscribe", "u1_c1"))
	assert.Empty(t, Next(t, snapshots))
}

// Next waits for one snapshot.
func Next(t *testing.T, ch <-chan []registrystore.Document) []registrystore.Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func ids(docs []registrystore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
