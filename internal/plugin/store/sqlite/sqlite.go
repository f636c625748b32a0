package sqlite

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/plugin/store/sqldoc"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

//go:embed db/schema.sql
var schemaSQL string

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			db, err := open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			// Changes are only observed by this process.
			return sqldoc.New(db, dialect{}), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// open uses a single connection: sqlite serializes writers anyway and a
// shared connection keeps ":memory:" databases alive across calls.
func open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || !cfg.UsesDatastore("sqlite") {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}

type dialect struct{}

func (dialect) FieldExpr(path string) string {
	return "json_extract(data, '$." + strings.ReplaceAll(path, "'", "") + "')"
}

// Value matches json_extract, which yields 1/0 for JSON booleans.
func (dialect) Value(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// Lock is a no-op: the single connection already serializes transactions.
func (dialect) Lock(tx *gorm.DB) *gorm.DB { return tx }

func (dialect) Notify(*gorm.DB, []string) error { return nil }

func (dialect) TranslateError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return &registrystore.ConflictError{Message: "document already exists", Code: "duplicate"}
	}
	return err
}
