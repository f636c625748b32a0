package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/plugin/store/mongo"
	"github.com/chirino/chat-sync/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.DocumentStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = testmongo.StartMongo(t)
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	t.Cleanup(cancel)

	_ = mongo.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func TestMongoStore(t *testing.T) {
	store, _ := setupTestStore(t)
	storetest.Run(t, store)
}
