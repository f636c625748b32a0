package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/plugin/store/sqlite"
	"github.com/chirino/chat-sync/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.DocumentStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "chat.db")
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func TestSQLiteStore(t *testing.T) {
	store, _ := setupTestStore(t)
	storetest.Run(t, store)
}

func TestMigrateIsIdempotent(t *testing.T) {
	_, ctx := setupTestStore(t)
	require.NoError(t, registrymigrate.RunAll(ctx))
}
