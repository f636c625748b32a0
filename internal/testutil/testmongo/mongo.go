// Package testmongo provides a MongoDB replica set for backend tests.
package testmongo

import (
	"context"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// ExternalURLEnv names a connection URI to use instead of starting a container.
// It must point at a replica set.
const ExternalURLEnv = "CHAT_SYNC_TEST_MONGO_URL"

// StartMongo returns the URI of a single-node replica set. Change streams and
// transactions are unavailable on a standalone server.
func StartMongo(tb testing.TB) string {
	tb.Helper()
	if uri := os.Getenv(ExternalURLEnv); uri != "" {
		return uri
	}

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	tb.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			tb.Errorf("terminate mongodb container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("mongodb connection string: %v", err)
	}
	return uri
}
