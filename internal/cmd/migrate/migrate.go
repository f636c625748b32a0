package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/config"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their store loaders.
	_ "github.com/chirino/chat-sync/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-sync/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-sync/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("CHAT_SYNC_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CHAT_SYNC_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite|mongo)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "mongo-database",
				Sources: cli.EnvVars("CHAT_SYNC_MONGO_DATABASE"),
				Usage:   "Database name used by the mongo store",
				Value:   "chat_sync",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.MongoDatabase = cmd.String("mongo-database")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "kind", cfg.DatastoreType, "migrators", registrymigrate.Names())
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
