package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/subscription"
	"github.com/google/uuid"
)

// Conflict codes returned by SendFriendRequest.
const (
	CodeAlreadyFriends = "already_friends"
	CodeRequestPending = "request_pending"
)

// SendFriendRequest creates a pending edge from → to. When to already asked
// from, that request is accepted instead and returned.
func (e *Engine) SendFriendRequest(ctx context.Context, from, to string) (*model.FriendRequest, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if to == "" {
		return nil, &registrystore.ValidationError{Field: "to", Message: "recipient is required"}
	}
	if from == to {
		return nil, &registrystore.ValidationError{Field: "to", Message: "cannot send a friend request to yourself"}
	}

	outgoing, err := e.friendEdges(ctx, from, to)
	if err != nil {
		return nil, err
	}
	incoming, err := e.friendEdges(ctx, to, from)
	if err != nil {
		return nil, err
	}
	for _, r := range append(outgoing, incoming...) {
		if r.Status == model.FriendRequestAccepted {
			return nil, &registrystore.ConflictError{Message: "already friends", Code: CodeAlreadyFriends}
		}
	}
	if len(outgoing) > 0 {
		return nil, &registrystore.ConflictError{
			Message: "friend request already pending",
			Code:    CodeRequestPending,
			Details: map[string]interface{}{"requestId": outgoing[0].ID},
		}
	}
	if len(incoming) > 0 {
		return e.AcceptFriendRequest(ctx, incoming[0].ID, from)
	}

	req := model.FriendRequest{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Status:    model.FriendRequestPending,
		CreatedAt: e.nowMillis(),
	}
	fields, err := registrystore.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, model.CollectionFriendRequests, req.ID, fields); err != nil {
		return nil, fmt.Errorf("store friend request: %w", err)
	}
	e.publish(ctx, registryevents.TypeFriendRequested, req.ID, from, map[string]any{"from": from, "to": to})
	return &req, nil
}

// AcceptFriendRequest turns a pending request into a friendship. Only the
// recipient may accept.
func (e *Engine) AcceptFriendRequest(ctx context.Context, requestID, actorID string) (*model.FriendRequest, error) {
	req, err := e.friendRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.To != actorID {
		return nil, &registrystore.ForbiddenError{Reason: "only the recipient can accept a friend request"}
	}
	if req.Status != model.FriendRequestPending {
		return nil, &registrystore.ValidationError{Field: "status", Message: "friend request is not pending"}
	}
	now := e.nowMillis()
	err = e.store.Update(ctx, model.CollectionFriendRequests, requestID, map[string]any{
		"status":     model.FriendRequestAccepted,
		"acceptedAt": now,
	})
	if err != nil {
		return nil, err
	}
	req.Status = model.FriendRequestAccepted
	req.AcceptedAt = now
	e.publish(ctx, registryevents.TypeFriendAccepted, req.ID, actorID, map[string]any{"from": req.From, "to": req.To})
	return req, nil
}

// RejectFriendRequest deletes a pending request. Only the recipient may
// reject.
func (e *Engine) RejectFriendRequest(ctx context.Context, requestID, actorID string) error {
	req, err := e.friendRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.To != actorID {
		return &registrystore.ForbiddenError{Reason: "only the recipient can reject a friend request"}
	}
	if req.Status != model.FriendRequestPending {
		return &registrystore.ValidationError{Field: "status", Message: "friend request is not pending"}
	}
	if err := e.store.Delete(ctx, model.CollectionFriendRequests, requestID); err != nil {
		return err
	}
	e.publish(ctx, registryevents.TypeFriendRejected, req.ID, actorID, map[string]any{"from": req.From, "to": req.To})
	return nil
}

// ListFriendRequests returns the requests waiting for userID's answer,
// oldest first.
func (e *Engine) ListFriendRequests(ctx context.Context, userID string) ([]model.FriendRequest, error) {
	docs, err := e.store.Query(ctx, model.CollectionFriendRequests, incomingRequestsQuery(userID))
	if err != nil {
		return nil, err
	}
	return registrystore.DecodeAll[model.FriendRequest](docs)
}

// ListFriends returns everyone userID has an accepted edge with.
func (e *Engine) ListFriends(ctx context.Context, userID string) ([]model.Friend, error) {
	accepted := registrystore.Eq("status", string(model.FriendRequestAccepted))
	sent, err := e.store.Query(ctx, model.CollectionFriendRequests,
		registrystore.Where(registrystore.Eq("from", userID), accepted).Ordered("acceptedAt", false))
	if err != nil {
		return nil, err
	}
	received, err := e.store.Query(ctx, model.CollectionFriendRequests,
		registrystore.Where(registrystore.Eq("to", userID), accepted).Ordered("acceptedAt", false))
	if err != nil {
		return nil, err
	}
	edges, err := registrystore.DecodeAll[model.FriendRequest](append(sent, received...))
	if err != nil {
		return nil, err
	}

	friends := make([]model.Friend, 0, len(edges))
	seen := map[string]bool{}
	for _, r := range edges {
		other := r.To
		if other == userID {
			other = r.From
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		friends = append(friends, model.Friend{
			UserID:      other,
			DisplayName: e.directory.DisplayName(ctx, other),
			Since:       r.AcceptedAt,
			RequestID:   r.ID,
		})
	}
	return friends, nil
}

// RemoveFriend deletes the accepted edge between userID and otherID in
// whichever direction it was created.
func (e *Engine) RemoveFriend(ctx context.Context, userID, otherID string) error {
	batch := e.store.Batch()
	for _, pair := range [][2]string{{userID, otherID}, {otherID, userID}} {
		edges, err := e.friendEdges(ctx, pair[0], pair[1])
		if err != nil {
			return err
		}
		for _, r := range edges {
			if r.Status == model.FriendRequestAccepted {
				batch.Delete(model.CollectionFriendRequests, r.ID)
			}
		}
	}
	if batch.Len() == 0 {
		return &registrystore.NotFoundError{Resource: "friend", ID: otherID}
	}
	return batch.Commit(ctx)
}

// OnFriendRequestsChanged delivers userID's incoming pending requests
// whenever they change.
func (s *Session) OnFriendRequestsChanged(cb func([]model.FriendRequest)) Disposer {
	h := s.subs.Subscribe(s.ctx, subscription.FriendRequestsOf(s.userID), model.CollectionFriendRequests,
		incomingRequestsQuery(s.userID), func(snap subscription.Snapshot) {
			if snap.Degraded() {
				return
			}
			reqs, err := registrystore.DecodeAll[model.FriendRequest](snap.Docs)
			if err != nil {
				log.Warn("Skipping undecodable friend requests", "user", s.userID, "err", err)
				return
			}
			cb(reqs)
		})
	return func() { s.subs.Unsubscribe(h) }
}

func incomingRequestsQuery(userID string) registrystore.Query {
	return registrystore.Where(
		registrystore.Eq("to", userID),
		registrystore.Eq("status", string(model.FriendRequestPending)),
	).Ordered("createdAt", false).Ordered(registrystore.FieldID, false)
}

// friendEdges returns the requests from → to in any status.
func (e *Engine) friendEdges(ctx context.Context, from, to string) ([]model.FriendRequest, error) {
	docs, err := e.store.Query(ctx, model.CollectionFriendRequests, registrystore.Where(
		registrystore.Eq("from", from),
		registrystore.Eq("to", to),
	))
	if err != nil {
		return nil, err
	}
	return registrystore.DecodeAll[model.FriendRequest](docs)
}

func (e *Engine) friendRequest(ctx context.Context, id string) (*model.FriendRequest, error) {
	doc, err := e.store.Get(ctx, model.CollectionFriendRequests, id)
	if err != nil {
		return nil, err
	}
	var req model.FriendRequest
	if err := doc.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
