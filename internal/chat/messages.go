package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/chirino/chat-sync/internal/model"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
)

// SendMessageRequest describes a message to post.
type SendMessageRequest struct {
	ConversationID string            `json:"-"`
	SenderID       string            `json:"-"`
	Type           model.MessageType `json:"type"`
	Content        string            `json:"content"`
	URL            string            `json:"url,omitempty"`
	ReplyToID      string            `json:"replyToId,omitempty"`
}

// sendOptions carries the fields only the engine itself may set.
type sendOptions struct {
	createdAt        int64
	notificationKind model.NotificationKind
	forwarded        bool
}

// SendMessage validates and stores a message, then updates the
// conversation preview. The two writes are not atomic: when the preview
// update fails the stored message is returned together with the error.
func (e *Engine) SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error) {
	return e.sendMessage(ctx, req, sendOptions{})
}

func (e *Engine) sendMessage(ctx context.Context, req SendMessageRequest, opts sendOptions) (*model.Message, error) {
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if err := validateMessage(req); err != nil {
		return nil, err
	}

	conv, err := e.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.SenderID != model.SystemSenderID && !conv.HasMember(req.SenderID) {
		return nil, &registrystore.ForbiddenError{Reason: "sender is not a member of the conversation"}
	}

	var reply *model.ReplyRef
	if req.ReplyToID != "" {
		reply, err = e.replySnapshot(ctx, conv.ID, req.ReplyToID)
		if err != nil {
			return nil, err
		}
	}

	createdAt := opts.createdAt
	if createdAt == 0 {
		createdAt = e.nowMillis()
	}
	msg := model.Message{
		ID:               newMessageID(createdAt),
		ConversationID:   conv.ID,
		SenderID:         req.SenderID,
		Type:             req.Type,
		Content:          req.Content,
		CreatedAt:        createdAt,
		ReplyTo:          reply,
		DeletedFor:       []string{},
		NotificationKind: opts.notificationKind,
		Forwarded:        opts.forwarded,
	}
	if req.Type.IsMedia() {
		msg.URL = req.URL
	}

	fields, err := registrystore.Encode(msg)
	if err != nil {
		return nil, err
	}
	fields["serverTime"] = registrystore.ServerTimestamp()
	if err := e.store.Set(ctx, model.CollectionMessages, msg.ID, fields); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	security.MessageWritten(string(msg.Type))

	e.publish(ctx, registryevents.TypeMessageSent, conv.ID, req.SenderID, map[string]any{
		"messageId": msg.ID,
		"type":      msg.Type,
		"forwarded": msg.Forwarded,
	})

	err = e.store.Update(ctx, model.CollectionConversations, conv.ID, map[string]any{
		"lastMessage": model.LastMessage{Text: model.Preview(msg.Type, msg.Content), Timestamp: createdAt},
	})
	if err != nil {
		return &msg, fmt.Errorf("update conversation preview: %w", err)
	}
	return &msg, nil
}

func validateMessage(req SendMessageRequest) error {
	switch {
	case !req.Type.Valid():
		return &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", req.Type)}
	case req.Type == model.MessageTypeNotification && req.SenderID != model.SystemSenderID:
		return &registrystore.ValidationError{Field: "type", Message: "notifications can only be sent by the system"}
	case req.Type != model.MessageTypeNotification && req.SenderID == model.SystemSenderID:
		return &registrystore.ValidationError{Field: "senderId", Message: "the system sender only posts notifications"}
	case req.SenderID == "":
		return &registrystore.ValidationError{Field: "senderId", Message: "sender is required"}
	case req.Type.IsMedia() && strings.TrimSpace(req.URL) == "":
		return &registrystore.ValidationError{Field: "url", Message: "media messages require a url"}
	case !req.Type.IsMedia() && strings.TrimSpace(req.Content) == "":
		return &registrystore.ValidationError{Field: "content", Message: "content is required"}
	}
	return nil
}

func (e *Engine) replySnapshot(ctx context.Context, conversationID, replyToID string) (*model.ReplyRef, error) {
	target, err := e.message(ctx, replyToID)
	if isNotFound(err) {
		return nil, &registrystore.ValidationError{Field: "replyToId", Message: "reply target does not exist"}
	}
	if err != nil {
		return nil, err
	}
	if target.ConversationID != conversationID {
		return nil, &registrystore.ValidationError{Field: "replyToId", Message: "reply target belongs to another conversation"}
	}
	if target.Revoked || target.SystemRevoked {
		return nil, &registrystore.ValidationError{Field: "replyToId", Message: "cannot reply to a revoked message"}
	}
	return &model.ReplyRef{
		ID:         target.ID,
		Content:    target.Content,
		Type:       target.Type,
		SenderID:   target.SenderID,
		SenderName: e.directory.DisplayName(ctx, target.SenderID),
		CreatedAt:  target.CreatedAt,
	}, nil
}

// ListMessages returns the conversation's messages in creation order,
// rendered for viewerID.
func (e *Engine) ListMessages(ctx context.Context, conversationID, viewerID string) ([]model.MessageView, error) {
	if _, err := e.memberConversation(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}
	docs, err := e.store.Query(ctx, model.CollectionMessages, messagesQuery(conversationID))
	if err != nil {
		return nil, err
	}
	msgs, err := registrystore.DecodeAll[model.Message](docs)
	if err != nil {
		return nil, err
	}
	return renderMessages(msgs, viewerID), nil
}

func messagesQuery(conversationID string) registrystore.Query {
	return registrystore.Where(registrystore.Eq("conversationId", conversationID)).
		Ordered("createdAt", false).
		Ordered(registrystore.FieldID, false)
}

func renderMessages(msgs []model.Message, viewerID string) []model.MessageView {
	model.SortMessages(msgs)
	views := make([]model.MessageView, len(msgs))
	for i := range msgs {
		views[i] = msgs[i].ForViewer(viewerID)
	}
	return views
}

// DeleteForSelf hides a message from viewerID only. Repeating it is a no-op.
func (e *Engine) DeleteForSelf(ctx context.Context, messageID, viewerID string) error {
	msg, err := e.message(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.DeletedForViewer(viewerID) {
		return nil
	}
	if _, err := e.memberConversation(ctx, viewerID, msg.ConversationID); err != nil {
		return err
	}
	return e.store.Update(ctx, model.CollectionMessages, messageID, map[string]any{
		"deletedFor":    registrystore.ArrayUnion(viewerID),
		"lastDeletedAt": registrystore.ServerTimestamp(),
	})
}

// Revoke retracts a message for everyone together with its direct replies,
// in one batch. It returns the number of replies revoked by this call.
// Replies to those replies are left alone. Revoking an already revoked
// message still revokes any direct reply that is not yet revoked.
func (e *Engine) Revoke(ctx context.Context, messageID, requesterID string) (int, error) {
	msg, err := e.message(ctx, messageID)
	if err != nil {
		return 0, err
	}
	if msg.SenderID != requesterID {
		return 0, &registrystore.ForbiddenError{Reason: "only the sender can revoke a message"}
	}
	replies, err := e.store.Query(ctx, model.CollectionMessages, registrystore.Where(
		registrystore.Eq("conversationId", msg.ConversationID),
		registrystore.Eq("replyTo.id", messageID),
	))
	if err != nil {
		return 0, fmt.Errorf("find replies of %s: %w", messageID, err)
	}

	batch := e.store.Batch()
	if !msg.Revoked {
		batch.Update(model.CollectionMessages, messageID, map[string]any{
			"revoked":   true,
			"revokedAt": registrystore.ServerTimestamp(),
		})
	}
	cascaded := 0
	for _, doc := range replies {
		var r model.Message
		if err := doc.Decode(&r); err != nil {
			return 0, fmt.Errorf("decode reply %s: %w", doc.ID, err)
		}
		if r.Revoked {
			continue
		}
		batch.Update(model.CollectionMessages, doc.ID, map[string]any{
			"revoked":       true,
			"systemRevoked": true,
		})
		cascaded++
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := batch.Commit(ctx); err != nil {
		return 0, fmt.Errorf("revoke %s: %w", messageID, err)
	}

	e.publish(ctx, registryevents.TypeMessageRevoked, msg.ConversationID, requesterID, map[string]any{
		"messageId": messageID,
		"cascaded":  cascaded,
	})
	return cascaded, nil
}
