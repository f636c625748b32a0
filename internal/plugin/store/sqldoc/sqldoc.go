// Package sqldoc stores documents as JSON rows of a single "documents" table.
// The postgres and sqlite plugins share it and differ only in their Dialect.
package sqldoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-sync/internal/changefeed"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row is one stored document.
type Row struct {
	Collection string    `gorm:"primaryKey"`
	ID         string    `gorm:"primaryKey"`
	Data       string    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Row) TableName() string { return "documents" }

// Dialect adapts JSON field access and change notification to a database.
type Dialect interface {
	// FieldExpr returns an SQL expression yielding the scalar at a dotted field path.
	// The path has already been validated by registrystore.ValidateQuery.
	FieldExpr(path string) string
	// Value converts a canonical predicate value to a bind parameter comparable with FieldExpr.
	Value(v any) any
	// Lock adds row locking to a read that precedes a write in the same transaction.
	Lock(tx *gorm.DB) *gorm.DB
	// Notify runs inside the write transaction with the collections it touched.
	Notify(tx *gorm.DB, collections []string) error
	// TranslateError maps driver errors to registry errors.
	TranslateError(err error) error
}

// Store implements registrystore.DocumentStore over gorm.
type Store struct {
	db      *gorm.DB
	dialect Dialect
	hub     *changefeed.Hub
	now     func() time.Time
}

// New creates a store. Writes made through it notify its hub directly;
// dialects with cross-process notification feed Hub() as well.
func New(db *gorm.DB, dialect Dialect) *Store {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	s.hub = changefeed.New(s.Query)
	return s
}

// Hub exposes the change hub so listeners can feed remote change notices.
func (s *Store) Hub() *changefeed.Hub { return s.hub }

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Get(ctx context.Context, collection, id string) (registrystore.Document, error) {
	var row Row
	err := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return registrystore.Document{}, &registrystore.NotFoundError{Resource: collection, ID: id}
	}
	if err != nil {
		return registrystore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, s.dialect.TranslateError(err))
	}
	return toDocument(row)
}

func (s *Store) Query(ctx context.Context, collection string, q registrystore.Query) ([]registrystore.Document, error) {
	if err := registrystore.ValidateQuery(q); err != nil {
		return nil, err
	}
	if q.MatchesNothing() {
		return []registrystore.Document{}, nil
	}

	tx := s.db.WithContext(ctx).Where("collection = ?", collection)
	for _, p := range q.Where {
		expr := "id"
		if p.Field != registrystore.FieldID {
			expr = s.dialect.FieldExpr(p.Field)
		}
		switch p.Op {
		case registrystore.OpEq:
			tx = tx.Where(expr+" = ?", s.dialect.Value(p.Value))
		case registrystore.OpIn:
			values := make([]any, len(p.Values))
			for i, v := range p.Values {
				values[i] = s.dialect.Value(v)
			}
			tx = tx.Where(expr+" IN ?", values)
		default:
			return nil, &registrystore.ValidationError{Field: "query", Message: "unsupported operator " + string(p.Op)}
		}
	}
	if len(q.OrderBy) == 0 && q.Limit > 0 {
		tx = tx.Order("id").Limit(q.Limit)
	}

	var rows []Row
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, s.dialect.TranslateError(err))
	}
	docs := make([]registrystore.Document, 0, len(rows))
	for _, row := range rows {
		d, err := toDocument(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	registrystore.SortDocuments(docs, q.OrderBy)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, q registrystore.Query, fn registrystore.SnapshotFunc) registrystore.Disposer {
	return s.hub.Subscribe(ctx, collection, q, fn)
}

func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.write(ctx, []string{collection}, func(tx *gorm.DB, now int64) error {
		return upsert(tx, collection, id, registrystore.ResolveFields(fields, now))
	})
}

func (s *Store) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return s.write(ctx, []string{collection}, func(tx *gorm.DB, now int64) error {
		return s.update(tx, collection, id, patch, now)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.write(ctx, []string{collection}, func(tx *gorm.DB, _ int64) error {
		return tx.Where("collection = ? AND id = ?", collection, id).Delete(&Row{}).Error
	})
}

func (s *Store) Batch() *registrystore.WriteBatch {
	return registrystore.NewWriteBatch(func(ctx context.Context, ops []registrystore.BatchOp) error {
		return s.write(ctx, registrystore.Collections(ops), func(tx *gorm.DB, now int64) error {
			for _, op := range ops {
				var err error
				switch op.Kind {
				case registrystore.BatchSet:
					err = upsert(tx, op.Collection, op.ID, registrystore.ResolveFields(op.Fields, now))
				case registrystore.BatchUpdate:
					err = s.update(tx, op.Collection, op.ID, op.Fields, now)
				case registrystore.BatchDelete:
					err = tx.Where("collection = ? AND id = ?", op.Collection, op.ID).Delete(&Row{}).Error
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) Close() error {
	s.hub.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// write runs fn in a transaction, emits the dialect's change notice inside
// it and wakes local subscribers after commit.
func (s *Store) write(ctx context.Context, collections []string, fn func(tx *gorm.DB, now int64) error) error {
	now := s.now().UnixMilli()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx, now); err != nil {
			return err
		}
		return s.dialect.Notify(tx, collections)
	})
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		return s.dialect.TranslateError(err)
	}
	s.hub.Notify(collections...)
	return nil
}

func (s *Store) update(tx *gorm.DB, collection, id string, patch map[string]any, now int64) error {
	var row Row
	err := s.dialect.Lock(tx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &registrystore.NotFoundError{Resource: collection, ID: id}
	}
	if err != nil {
		return err
	}
	var existing map[string]any
	if err := json.Unmarshal([]byte(row.Data), &existing); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	data, err := json.Marshal(registrystore.ApplyPatch(existing, patch, now))
	if err != nil {
		return err
	}
	return tx.Model(&Row{}).
		Where("collection = ? AND id = ?", collection, id).
		Updates(map[string]any{"data": string(data), "updated_at": time.Now()}).Error
}

func upsert(tx *gorm.DB, collection, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	row := Row{Collection: collection, ID: id, Data: string(data), UpdatedAt: time.Now()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}

func toDocument(row Row) (registrystore.Document, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(row.Data), &fields); err != nil {
		return registrystore.Document{}, fmt.Errorf("decode %s/%s: %w", row.Collection, row.ID, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return registrystore.Document{ID: row.ID, Fields: fields}, nil
}

var _ registrystore.DocumentStore = (*Store)(nil)
