package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/plugin/store/sqldoc"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed db/schema.sql
var schemaSQL string

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			store := sqldoc.New(db, dialect{})
			go listen(ctx, cfg.DBURL, store.Hub())
			return store, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if !cfg.UsesDatastore("postgres") {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

type dialect struct{}

// FieldExpr uses ->> for top-level fields so the expression indexes in
// schema.sql apply, and #>> for nested paths.
func (dialect) FieldExpr(path string) string {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return "data ->> '" + path + "'"
	}
	return "data #>> '{" + strings.Join(parts, ",") + "}'"
}

// Value renders v the way ->> renders JSON scalars as text.
func (dialect) Value(v any) any {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return v
	}
}

func (dialect) Lock(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (dialect) Notify(tx *gorm.DB, collections []string) error {
	for _, c := range collections {
		if err := tx.Exec("SELECT pg_notify(?, ?)", notifyChannel, c).Error; err != nil {
			return err
		}
	}
	return nil
}

func (dialect) TranslateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &registrystore.ConflictError{Message: "document already exists", Code: "duplicate"}
	}
	return err
}
