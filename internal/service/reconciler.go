package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
)

// ReconcileResult counts the membership links a pass changed.
type ReconcileResult struct {
	Created int
	Deleted int
}

// LinkReconciler periodically makes the memberships collection match the
// member lists of the conversations it points at. Engine writes update
// both sides, but not always in one batch, so a crash in between leaves a
// link missing or stale until the next pass.
type LinkReconciler struct {
	store     registrystore.DocumentStore
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewLinkReconciler creates a reconciler. A non-positive batchSize commits
// every change in one batch.
func NewLinkReconciler(store registrystore.DocumentStore, interval time.Duration, batchSize int) *LinkReconciler {
	return &LinkReconciler{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Start runs a pass every interval. Returns when ctx is cancelled.
func (r *LinkReconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Reconcile(ctx)
			if err != nil {
				log.Error("Reconciler: pass failed", "err", err)
				continue
			}
			if res.Created > 0 || res.Deleted > 0 {
				log.Info("Reconciler: completed", "created", res.Created, "deleted", res.Deleted)
			}
		}
	}
}

// Reconcile runs a single pass.
func (r *LinkReconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	convDocs, err := r.store.Query(ctx, model.CollectionConversations, registrystore.Where())
	if err != nil {
		return res, fmt.Errorf("list conversations: %w", err)
	}
	convs, err := registrystore.DecodeAll[model.Conversation](convDocs)
	if err != nil {
		return res, err
	}
	linkDocs, err := r.store.Query(ctx, model.CollectionMemberships, registrystore.Where())
	if err != nil {
		return res, fmt.Errorf("list membership links: %w", err)
	}
	links, err := registrystore.DecodeAll[model.MembershipLink](linkDocs)
	if err != nil {
		return res, err
	}

	want := map[string]model.MembershipLink{}
	for _, c := range convs {
		for _, userID := range c.MemberIDs() {
			id := model.MembershipLinkID(userID, c.ID)
			want[id] = model.MembershipLink{ID: id, UserID: userID, ConversationID: c.ID}
		}
	}

	var ops []registrystore.BatchOp
	have := make(map[string]bool, len(links))
	for _, l := range links {
		if _, ok := want[l.ID]; ok {
			have[l.ID] = true
			continue
		}
		log.Debug("Reconciler: stale link", "id", l.ID, "user", l.UserID, "conversation", l.ConversationID)
		ops = append(ops, registrystore.BatchOp{Kind: registrystore.BatchDelete, Collection: model.CollectionMemberships, ID: l.ID})
		res.Deleted++
	}
	now := r.now().UnixMilli()
	for id, l := range want {
		if have[id] {
			continue
		}
		log.Debug("Reconciler: missing link", "id", id)
		ops = append(ops, registrystore.BatchOp{
			Kind:       registrystore.BatchSet,
			Collection: model.CollectionMemberships,
			ID:         id,
			Fields: map[string]any{
				"userId":         l.UserID,
				"conversationId": l.ConversationID,
				"createdAt":      now,
			},
		})
		res.Created++
	}

	size := r.batchSize
	if size <= 0 {
		size = len(ops)
	}
	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))
		if err := r.store.Batch().Append(ops[start:end]...).Commit(ctx); err != nil {
			return res, fmt.Errorf("commit reconcile batch: %w", err)
		}
	}
	return res, nil
}
