// Package testredis provides a Redis server for cache tests.
package testredis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ExternalURLEnv names a redis:// URL to use instead of starting a container.
const ExternalURLEnv = "CHAT_SYNC_TEST_REDIS_URL"

// StartRedis returns a redis:// URL for an empty server.
func StartRedis(tb testing.TB) string {
	tb.Helper()
	if url := os.Getenv(ExternalURLEnv); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	tb.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			tb.Errorf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	if err != nil {
		tb.Fatalf("redis endpoint: %v", err)
	}
	return endpoint
}
