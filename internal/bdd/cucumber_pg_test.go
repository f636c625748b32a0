package bdd

import (
	"testing"

	"github.com/chirino/chat-sync/internal/plugin/store/postgres"
	"github.com/chirino/chat-sync/internal/testutil/testpg"
	"github.com/chirino/chat-sync/internal/testutil/testredis"

	_ "github.com/chirino/chat-sync/internal/plugin/cache/redis"
)

func TestFeaturesPostgres(t *testing.T) {
	_ = postgres.ForceImport

	cfg := testConfig()
	cfg.DatastoreType = "postgres"
	cfg.DBURL = testpg.StartPostgres(t)
	cfg.DatastoreMigrateAtStart = true
	cfg.CacheType = "redis"
	cfg.RedisURL = testredis.StartRedis(t)
	runFeatures(t, &cfg)
}
