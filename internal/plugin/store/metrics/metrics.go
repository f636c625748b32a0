package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
)

// Wrap returns a DocumentStore that records StoreLatency for every operation.
func Wrap(inner store.DocumentStore) store.DocumentStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.DocumentStore
}

func observe(op string, start time.Time) {
	security.ObserveStore(op, start)
}

func (m *metricsStore) Get(ctx context.Context, collection, id string) (store.Document, error) {
	defer observe("get", time.Now())
	return m.inner.Get(ctx, collection, id)
}

func (m *metricsStore) Query(ctx context.Context, collection string, q store.Query) ([]store.Document, error) {
	defer observe("query", time.Now())
	return m.inner.Query(ctx, collection, q)
}

func (m *metricsStore) Subscribe(ctx context.Context, collection string, q store.Query, fn store.SnapshotFunc) store.Disposer {
	defer observe("subscribe", time.Now())
	return m.inner.Subscribe(ctx, collection, q, fn)
}

func (m *metricsStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	defer observe("add", time.Now())
	return m.inner.Add(ctx, collection, fields)
}

func (m *metricsStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	defer observe("set", time.Now())
	return m.inner.Set(ctx, collection, id, fields)
}

func (m *metricsStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	defer observe("update", time.Now())
	return m.inner.Update(ctx, collection, id, patch)
}

func (m *metricsStore) Delete(ctx context.Context, collection, id string) error {
	defer observe("delete", time.Now())
	return m.inner.Delete(ctx, collection, id)
}

func (m *metricsStore) Batch() *store.WriteBatch {
	return store.NewWriteBatch(func(ctx context.Context, ops []store.BatchOp) error {
		defer observe("batch_commit", time.Now())
		return m.inner.Batch().Append(ops...).Commit(ctx)
	})
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}

var _ store.DocumentStore = (*metricsStore)(nil)
