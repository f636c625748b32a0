package bdd

import (
	"context"
	"fmt"

	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
)

// StoreTestDB clears data through the DocumentStore itself, so one
// implementation serves every backend.
type StoreTestDB struct {
	Store registrystore.DocumentStore
}

var collections = []string{
	model.CollectionMemberships,
	model.CollectionMessages,
	model.CollectionConversations,
	model.CollectionFriendRequests,
	model.CollectionUsers,
}

func (db *StoreTestDB) ClearAll(ctx context.Context) error {
	for _, collection := range collections {
		docs, err := db.Store.Query(ctx, collection, registrystore.Where())
		if err != nil {
			return fmt.Errorf("list %s: %w", collection, err)
		}
		batch := db.Store.Batch()
		for _, d := range docs {
			batch.Delete(collection, d.ID)
		}
		if err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("clear %s: %w", collection, err)
		}
	}
	return nil
}
