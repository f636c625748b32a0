package bdd

import (
	"testing"

	mongoplugin "github.com/chirino/chat-sync/internal/plugin/store/mongo"
	"github.com/chirino/chat-sync/internal/testutil/testmongo"
)

func TestFeaturesMongo(t *testing.T) {
	_ = mongoplugin.ForceImport

	cfg := testConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = testmongo.StartMongo(t)
	cfg.MongoDatabase = "chat_sync_bdd"
	cfg.DatastoreMigrateAtStart = true
	runFeatures(t, &cfg)
}
