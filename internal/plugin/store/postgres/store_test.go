package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/plugin/store/postgres"
	"github.com/chirino/chat-sync/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/testutil/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.DocumentStore, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	t.Cleanup(cancel)

	// Ensure postgres store plugin is registered
	_ = postgres.ForceImport

	// Run migrations
	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	store := openStore(t, ctx)
	return store, ctx
}

func openStore(t *testing.T, ctx context.Context) registrystore.DocumentStore {
	t.Helper()
	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	store, _ := setupTestStore(t)
	storetest.Run(t, store)
}

func TestSubscribe_SeesWritesFromOtherInstance(t *testing.T) {
	writer, ctx := setupTestStore(t)
	reader := openStore(t, ctx)

	snapshots := make(chan []registrystore.Document, 16)
	dispose := reader.Subscribe(ctx, "memberships", registrystore.Where(registrystore.Eq("userId", "alice")),
		func(docs []registrystore.Document, err error) {
			assert.NoError(t, err)
			snapshots <- docs
		})
	defer dispose()
	assert.Empty(t, storetest.Next(t, snapshots))

	// The writer's local hub knows nothing about reader's subscription, so
	// this snapshot can only arrive through LISTEN/NOTIFY.
	// The listener may still be connecting, so keep writing distinct
	// content until a notice gets through.
	attempt := 0
	require.Eventually(t, func() bool {
		attempt++
		err := writer.Set(ctx, "memberships", "alice_c1", map[string]any{
			"userId": "alice", "conversationId": "c1", "createdAt": attempt,
		})
		assert.NoError(t, err)
		select {
		case docs := <-snapshots:
			return len(docs) == 1 && docs[0].ID == "alice_c1"
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 250*time.Millisecond)
}

func TestSet_DuplicateAddIsImpossible(t *testing.T) {
	store, ctx := setupTestStore(t)
	a, err := store.Add(ctx, "messages", map[string]any{"content": "a"})
	require.NoError(t, err)
	b, err := store.Add(ctx, "messages", map[string]any{"content": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
