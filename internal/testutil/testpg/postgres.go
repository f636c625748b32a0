// Package testpg provides a Postgres database for backend tests.
package testpg

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ExternalURLEnv names a DSN to use instead of starting a container.
const ExternalURLEnv = "CHAT_SYNC_TEST_POSTGRES_URL"

// StartPostgres returns the DSN of an empty chat_sync database. It starts a
// disposable container unless ExternalURLEnv is set.
func StartPostgres(tb testing.TB) string {
	tb.Helper()
	ctx := context.Background()

	if dsn := os.Getenv(ExternalURLEnv); dsn != "" {
		if err := ping(ctx, dsn, 10*time.Second); err != nil {
			tb.Fatalf("postgres at %s: %v", ExternalURLEnv, err)
		}
		return dsn
	}

	container, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("chat_sync"),
		postgres.WithUsername("chat_sync"),
		postgres.WithPassword("chat_sync"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	tb.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			tb.Errorf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("postgres connection string: %v", err)
	}
	// The port can accept connections before the server finishes its restart.
	if err := ping(ctx, dsn, 20*time.Second); err != nil {
		tb.Fatalf("postgres not ready: %v", err)
	}
	return dsn
}

func ping(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var lastErr error
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			err = conn.Ping(ctx)
			_ = conn.Close(context.Background())
			if err == nil {
				return nil
			}
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(250 * time.Millisecond):
		}
	}
}
