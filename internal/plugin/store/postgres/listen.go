package postgres

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/changefeed"
	"github.com/jackc/pgx/v5"
)

// notifyChannel carries the collection name of every committed write.
const notifyChannel = "chat_sync_documents"

const listenRetryDelay = 2 * time.Second

// listen relays NOTIFY payloads from other instances to hub until ctx ends.
// After a reconnect every subscription is woken, since notices sent while
// disconnected are lost.
func listen(ctx context.Context, dsn string, hub *changefeed.Hub) {
	for {
		err := listenOnce(ctx, dsn, hub)
		if ctx.Err() != nil {
			return
		}
		log.Warn("Postgres change listener disconnected", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
		hub.NotifyAll()
	}
}

func listenOnce(ctx context.Context, dsn string, hub *changefeed.Hub) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	log.Debug("Postgres change listener started", "channel", notifyChannel)
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		hub.Notify(n.Payload)
	}
}
