package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/changefeed"
	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/model"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			store := New(client, client.Database(cfg.MongoDatabase))
			go store.watch(ctx)
			return store, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// indexes lists the secondary indexes backing the engine's queries.
var indexes = map[string][]mongo.IndexModel{
	model.CollectionMemberships: {
		{Keys: bson.D{{Key: "userId", Value: 1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}}},
	},
	model.CollectionMessages: {
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "replyTo.id", Value: 1}}},
	},
	model.CollectionFriendRequests: {
		{Keys: bson.D{{Key: "from", Value: 1}}},
		{Keys: bson.D{{Key: "to", Value: 1}}},
	},
	model.CollectionConversations: nil,
	model.CollectionUsers:         nil,
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || !cfg.UsesDatastore("mongo") {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(cfg.MongoDatabase)
	for name, models := range indexes {
		// Ensure collection exists; transactions cannot create it implicitly.
		_ = db.CreateCollection(ctx, name)
		if len(models) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements DocumentStore using MongoDB. Document ids are
// stored in _id. Multi-document batches use transactions, so the server
// must be a replica set.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	hub    *changefeed.Hub
	now    func() time.Time
}

// New creates a store on db. Call watch to follow writes from other processes.
func New(client *mongo.Client, db *mongo.Database) *MongoStore {
	s := &MongoStore{client: client, db: db, now: time.Now}
	s.hub = changefeed.New(s.Query)
	return s
}

func (s *MongoStore) Get(ctx context.Context, collection, id string) (registrystore.Document, error) {
	raw, err := s.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return registrystore.Document{}, &registrystore.NotFoundError{Resource: collection, ID: id}
	}
	if err != nil {
		return registrystore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return toDocument(raw)
}

func (s *MongoStore) Query(ctx context.Context, collection string, q registrystore.Query) ([]registrystore.Document, error) {
	if err := registrystore.ValidateQuery(q); err != nil {
		return nil, err
	}
	if q.MatchesNothing() {
		return []registrystore.Document{}, nil
	}

	filter := bson.D{}
	for _, p := range q.Where {
		field := p.Field
		if field == registrystore.FieldID {
			field = "_id"
		}
		switch p.Op {
		case registrystore.OpEq:
			filter = append(filter, bson.E{Key: field, Value: p.Value})
		case registrystore.OpIn:
			filter = append(filter, bson.E{Key: field, Value: bson.D{{Key: "$in", Value: p.Values}}})
		default:
			return nil, &registrystore.ValidationError{Field: "query", Message: "unsupported operator " + string(p.Op)}
		}
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	docs := []registrystore.Document{}
	for cursor.Next(ctx) {
		d, err := toDocument(cursor.Current)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	registrystore.SortDocuments(docs, q.OrderBy)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *MongoStore) Subscribe(ctx context.Context, collection string, q registrystore.Query, fn registrystore.SnapshotFunc) registrystore.Disposer {
	return s.hub.Subscribe(ctx, collection, q, fn)
}

func (s *MongoStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MongoStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.set(ctx, collection, id, fields, s.now().UnixMilli()); err != nil {
		return err
	}
	s.hub.Notify(collection)
	return nil
}

func (s *MongoStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := s.update(ctx, collection, id, patch, s.now().UnixMilli()); err != nil {
		return err
	}
	s.hub.Notify(collection)
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	s.hub.Notify(collection)
	return nil
}

func (s *MongoStore) Batch() *registrystore.WriteBatch {
	return registrystore.NewWriteBatch(func(ctx context.Context, ops []registrystore.BatchOp) error {
		sess, err := s.client.StartSession()
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		defer sess.EndSession(ctx)

		now := s.now().UnixMilli()
		_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
			for _, op := range ops {
				var err error
				switch op.Kind {
				case registrystore.BatchSet:
					err = s.set(ctx, op.Collection, op.ID, op.Fields, now)
				case registrystore.BatchUpdate:
					err = s.update(ctx, op.Collection, op.ID, op.Fields, now)
				case registrystore.BatchDelete:
					_, err = s.db.Collection(op.Collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: op.ID}})
				}
				if err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		s.hub.Notify(registrystore.Collections(ops)...)
		return nil
	})
}

func (s *MongoStore) Close() error {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) set(ctx context.Context, collection, id string, fields map[string]any, now int64) error {
	doc := bson.M{}
	for k, v := range registrystore.ResolveFields(fields, now) {
		doc[k] = v
	}
	doc["_id"] = id
	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return &registrystore.ConflictError{Message: "document already exists", Code: "duplicate"}
	}
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// update translates a patch into $set and $addToSet so the server applies
// it atomically.
func (s *MongoStore) update(ctx context.Context, collection, id string, patch map[string]any, now int64) error {
	set := bson.M{}
	addToSet := bson.M{}
	for key, value := range patch {
		if key == registrystore.FieldID {
			continue
		}
		if registrystore.IsServerTimestamp(value) {
			set[key] = float64(now)
			continue
		}
		if values, ok := registrystore.ArrayUnionValues(value); ok {
			addToSet[key] = bson.M{"$each": values}
			continue
		}
		set[key] = registrystore.Normalize(value)
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(addToSet) > 0 {
		update["$addToSet"] = addToSet
	}
	if len(update) == 0 {
		_, err := s.Get(ctx, collection, id)
		return err
	}

	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: collection, ID: id}
	}
	return nil
}

const watchRetryDelay = 5 * time.Second

// watch relays change stream events to the hub until ctx ends. Events for
// this process's own writes arrive too; the hub drops unchanged snapshots.
func (s *MongoStore) watch(ctx context.Context) {
	for {
		err := s.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn("MongoDB change stream stopped", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetryDelay):
		}
		s.hub.NotifyAll()
	}
}

type changeEvent struct {
	NS struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
}

func (s *MongoStore) watchOnce(ctx context.Context) error {
	stream, err := s.db.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return err
	}
	defer stream.Close(context.Background())

	log.Debug("MongoDB change stream started", "database", s.db.Name())
	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			log.Warn("Undecodable change event", "err", err)
			continue
		}
		if ev.NS.Coll != "" {
			s.hub.Notify(ev.NS.Coll)
		}
	}
	return stream.Err()
}

// toDocument converts BSON into canonical JSON form via relaxed extended JSON.
func toDocument(raw bson.Raw) (registrystore.Document, error) {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return registrystore.Document{}, fmt.Errorf("decode document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return registrystore.Document{}, fmt.Errorf("decode document: %w", err)
	}
	id, _ := fields["_id"].(string)
	delete(fields, "_id")
	return registrystore.Document{ID: id, Fields: fields}, nil
}

var _ registrystore.DocumentStore = (*MongoStore)(nil)
