package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatch_ResolvesSentinels(t *testing.T) {
	doc := map[string]any{"deletedFor": []any{"a"}, "content": "hi"}

	out := ApplyPatch(doc, map[string]any{
		"deletedFor":    ArrayUnion("a", "b"),
		"lastDeletedAt": ServerTimestamp(),
		"replyTo.id":    "m1",
	}, 42)

	assert.Equal(t, []any{"a", "b"}, out["deletedFor"])
	assert.Equal(t, float64(42), out["lastDeletedAt"])
	assert.Equal(t, map[string]any{"id": "m1"}, out["replyTo"])
	assert.Equal(t, "hi", out["content"])
	assert.Equal(t, []any{"a"}, doc["deletedFor"], "input must not be modified")

	again := ApplyPatch(out, map[string]any{"deletedFor": ArrayUnion("b")}, 43)
	assert.Equal(t, []any{"a", "b"}, again["deletedFor"])
}

func TestFilter(t *testing.T) {
	docs := []Document{
		{ID: "m3", Fields: map[string]any{"conversationId": "c1", "createdAt": float64(3), "replyTo": map[string]any{"id": "m1"}}},
		{ID: "m1", Fields: map[string]any{"conversationId": "c1", "createdAt": float64(1)}},
		{ID: "m2", Fields: map[string]any{"conversationId": "c2", "createdAt": float64(2)}},
	}

	byConv := Filter(docs, Where(Eq("conversationId", "c1")).Ordered("createdAt", false))
	require.Len(t, byConv, 2)
	assert.Equal(t, "m1", byConv[0].ID)
	assert.Equal(t, "m3", byConv[1].ID)

	replies := Filter(docs, Where(Eq("replyTo.id", "m1")))
	require.Len(t, replies, 1)
	assert.Equal(t, "m3", replies[0].ID)

	byID := Filter(docs, Where(In(FieldID, []string{"m2", "m3"})).Ordered("createdAt", true))
	require.Len(t, byID, 2)
	assert.Equal(t, "m3", byID[0].ID)

	assert.Empty(t, Filter(docs, Where(In(FieldID, []string{}))))
	assert.Len(t, Filter(docs, Query{}.Limited(1)), 1)
}

func TestEncodeDecode(t *testing.T) {
	type sample struct {
		ID    string   `json:"id"`
		Name  string   `json:"name"`
		Count int64    `json:"count"`
		Tags  []string `json:"tags"`
	}
	fields, err := Encode(sample{ID: "x", Name: "n", Count: 1700000000123, Tags: []string{"a"}})
	require.NoError(t, err)
	_, hasID := fields["id"]
	assert.False(t, hasID)

	var out sample
	require.NoError(t, Document{ID: "x", Fields: fields}.Decode(&out))
	assert.Equal(t, sample{ID: "x", Name: "n", Count: 1700000000123, Tags: []string{"a"}}, out)
}

func TestWriteBatch_CommitOnce(t *testing.T) {
	var got []BatchOp
	b := NewWriteBatch(func(_ context.Context, ops []BatchOp) error {
		got = ops
		return nil
	})
	b.Set("a", "1", map[string]any{}).Update("b", "2", map[string]any{"x": 1}).Delete("a", "3")
	require.NoError(t, b.Commit(context.Background()))
	assert.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b"}, Collections(got))
	assert.True(t, errors.Is(b.Commit(context.Background()), ErrBatchCommitted))
}

func TestValidateQuery(t *testing.T) {
	require.NoError(t, ValidateQuery(Where(Eq("replyTo.id", "x")).Ordered("createdAt", false)))
	var verr *ValidationError
	require.ErrorAs(t, ValidateQuery(Where(Eq("a'; drop table documents; --", "x"))), &verr)
}
