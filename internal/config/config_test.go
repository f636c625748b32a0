package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKafkaBrokerList_TrimsAndDropsEmpty(t *testing.T) {
	cfg := Config{KafkaBrokers: " kafka-1:9092, ,kafka-2:9092 "}
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokerList())

	var nilCfg *Config
	require.Nil(t, nilCfg.KafkaBrokerList())
}

func TestUsesDatastore_EmptyMeansPostgres(t *testing.T) {
	cfg := Config{}
	require.True(t, cfg.UsesDatastore("postgres"))
	require.False(t, cfg.UsesDatastore("sqlite"))

	cfg.DatastoreType = "sqlite"
	require.True(t, cfg.UsesDatastore("sqlite"))
	require.False(t, cfg.UsesDatastore("postgres"))
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
	require.Equal(t, "X-User-ID", cfg.UserIDHeader)
}
