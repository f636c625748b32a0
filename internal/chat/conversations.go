package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/google/uuid"
)

// GetConversation returns a conversation the actor belongs to.
func (e *Engine) GetConversation(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	return e.memberConversation(ctx, actorID, conversationID)
}

func (e *Engine) memberConversation(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(actorID) {
		return nil, &registrystore.ForbiddenError{Reason: "not a member of the conversation"}
	}
	return conv, nil
}

// adminGroup loads a group and checks that actorID administers it.
func (e *Engine) adminGroup(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "not a group conversation"}
	}
	if !conv.IsAdmin(actorID) {
		return nil, &registrystore.ForbiddenError{Reason: "only the group admin can do this"}
	}
	return conv, nil
}

// FindDirectConversation returns the direct conversation between a and b,
// or nil when there is none.
func (e *Engine) FindDirectConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	links, err := e.store.Query(ctx, model.CollectionMemberships, registrystore.Where(registrystore.Eq("userId", a)))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		if id, ok := l.Fields["conversationId"].(string); ok {
			ids = append(ids, id)
		}
	}
	docs, err := e.store.Query(ctx, model.CollectionConversations,
		registrystore.Where(registrystore.In(registrystore.FieldID, ids)).Ordered("createdAt", false))
	if err != nil {
		return nil, err
	}
	convs, err := registrystore.DecodeAll[model.Conversation](docs)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		c := &convs[i]
		if !c.IsGroup && len(c.Members) == 2 && c.HasMember(a) && c.HasMember(b) {
			return c, nil
		}
	}
	return nil, nil
}

// CreateDirectConversation returns the direct conversation between a and
// b, creating it when none exists. created reports which happened.
func (e *Engine) CreateDirectConversation(ctx context.Context, a, b string) (conv *model.Conversation, created bool, err error) {
	if strings.TrimSpace(b) == "" {
		return nil, false, &registrystore.ValidationError{Field: "userId", Message: "peer is required"}
	}
	if a == b {
		return nil, false, &registrystore.ValidationError{Field: "userId", Message: "cannot start a conversation with yourself"}
	}
	existing, err := e.FindDirectConversation(ctx, a, b)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	conv = &model.Conversation{
		ID:        uuid.NewString(),
		Members:   []model.Member{e.directory.Member(ctx, a), e.directory.Member(ctx, b)},
		CreatedAt: e.nowMillis(),
	}
	if err := e.createConversation(ctx, conv, a); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// CreateGroup creates a group administered by creatorID.
func (e *Engine) CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string, image string) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &registrystore.ValidationError{Field: "name", Message: "group name is required"}
	}
	members := []model.Member{e.directory.Member(ctx, creatorID)}
	seen := map[string]bool{creatorID: true}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || id == model.SystemSenderID {
			continue
		}
		seen[id] = true
		members = append(members, e.directory.Member(ctx, id))
	}
	if len(members) < 2 {
		return nil, &registrystore.ValidationError{Field: "members", Message: "a group needs at least one other member"}
	}

	conv := &model.Conversation{
		ID:        uuid.NewString(),
		IsGroup:   true,
		Name:      name,
		Members:   members,
		AdminID:   creatorID,
		Image:     image,
		CreatedAt: e.nowMillis(),
	}
	if err := e.createConversation(ctx, conv, creatorID); err != nil {
		return nil, err
	}
	e.notify(ctx, conv.ID, model.NotificationGroupCreated, fmt.Sprintf("%s created the group", members[0].DisplayName))
	return conv, nil
}

// createConversation writes the conversation, then its links in one batch.
func (e *Engine) createConversation(ctx context.Context, conv *model.Conversation, actorID string) error {
	fields, err := registrystore.Encode(conv)
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, model.CollectionConversations, conv.ID, fields); err != nil {
		return fmt.Errorf("store conversation: %w", err)
	}
	batch := e.store.Batch()
	for _, m := range conv.Members {
		e.setLink(batch, m.UserID, conv.ID)
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("store membership links: %w", err)
	}
	e.publish(ctx, registryevents.TypeConversationCreated, conv.ID, actorID, map[string]any{
		"isGroup": conv.IsGroup,
		"members": conv.MemberIDs(),
	})
	return nil
}

func (e *Engine) setLink(batch *registrystore.WriteBatch, userID, conversationID string) {
	batch.Set(model.CollectionMemberships, model.MembershipLinkID(userID, conversationID), map[string]any{
		"userId":         userID,
		"conversationId": conversationID,
		"createdAt":      e.nowMillis(),
	})
}

// AddMember adds userID to a group. Adding an existing member is a no-op.
func (e *Engine) AddMember(ctx context.Context, actorID, conversationID, userID string) error {
	conv, err := e.adminGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" || userID == model.SystemSenderID {
		return &registrystore.ValidationError{Field: "userId", Message: "invalid member"}
	}
	if conv.HasMember(userID) {
		return nil
	}
	member := e.directory.Member(ctx, userID)
	members := append(slices.Clone(conv.Members), member)

	batch := e.store.Batch().Update(model.CollectionConversations, conv.ID, map[string]any{"members": members})
	e.setLink(batch, userID, conv.ID)
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	e.notify(ctx, conv.ID, model.NotificationMemberAdded, fmt.Sprintf("%s was added to the group", member.DisplayName))
	e.membershipChanged(ctx, conv.ID, actorID, []string{userID}, nil)
	return nil
}

// RemoveMember removes userID from a group. The admin cannot be removed.
func (e *Engine) RemoveMember(ctx context.Context, actorID, conversationID, userID string) error {
	conv, err := e.adminGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if userID == conv.AdminID {
		return &registrystore.ValidationError{Field: "userId", Message: "the group admin cannot be removed"}
	}
	member, ok := conv.Member(userID)
	if !ok {
		return &registrystore.NotFoundError{Resource: "member", ID: userID}
	}
	if err := e.dropMember(ctx, conv, userID); err != nil {
		return err
	}
	e.notify(ctx, conv.ID, model.NotificationMemberRemoved, fmt.Sprintf("%s was removed from the group", member.DisplayName))
	e.membershipChanged(ctx, conv.ID, actorID, nil, []string{userID})
	return nil
}

// LeaveGroup removes the actor from a group. An admin must hand over the
// group first unless they are its last member, in which case it is disbanded.
func (e *Engine) LeaveGroup(ctx context.Context, actorID, conversationID string) error {
	conv, err := e.memberConversation(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return &registrystore.ValidationError{Field: "conversationId", Message: "not a group conversation"}
	}
	if conv.IsAdmin(actorID) {
		if len(conv.Members) == 1 {
			return e.deleteConversation(ctx, conv, actorID)
		}
		return &registrystore.ValidationError{Field: "adminId", Message: "transfer the admin role before leaving"}
	}
	member, _ := conv.Member(actorID)
	// Announce before leaving: afterwards the actor can no longer see the group.
	e.notify(ctx, conv.ID, model.NotificationMemberLeft, fmt.Sprintf("%s left the group", member.DisplayName))
	if err := e.dropMember(ctx, conv, actorID); err != nil {
		return err
	}
	e.membershipChanged(ctx, conv.ID, actorID, nil, []string{actorID})
	return nil
}

func (e *Engine) dropMember(ctx context.Context, conv *model.Conversation, userID string) error {
	members := slices.DeleteFunc(slices.Clone(conv.Members), func(m model.Member) bool { return m.UserID == userID })
	return e.store.Batch().
		Update(model.CollectionConversations, conv.ID, map[string]any{"members": members}).
		Delete(model.CollectionMemberships, model.MembershipLinkID(userID, conv.ID)).
		Commit(ctx)
}

// TransferAdmin hands the admin role to another member.
func (e *Engine) TransferAdmin(ctx context.Context, actorID, conversationID, newAdminID string) error {
	conv, err := e.adminGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	member, ok := conv.Member(newAdminID)
	if !ok {
		return &registrystore.ValidationError{Field: "userId", Message: "the new admin must be a member of the group"}
	}
	if newAdminID == conv.AdminID {
		return nil
	}
	if err := e.store.Update(ctx, model.CollectionConversations, conv.ID, map[string]any{"adminId": newAdminID}); err != nil {
		return err
	}
	e.notify(ctx, conv.ID, model.NotificationAdminTransferred, fmt.Sprintf("%s is now the group admin", member.DisplayName))
	e.membershipChanged(ctx, conv.ID, actorID, nil, nil)
	return nil
}

// GroupInfoUpdate changes group metadata. Nil fields are left alone.
type GroupInfoUpdate struct {
	Name  *string `json:"name,omitempty"`
	Image *string `json:"image,omitempty"`
}

// UpdateGroupInfo renames a group or changes its image.
func (e *Engine) UpdateGroupInfo(ctx context.Context, actorID, conversationID string, update GroupInfoUpdate) error {
	conv, err := e.adminGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	patch := map[string]any{}
	var name string
	if update.Name != nil {
		name = strings.TrimSpace(*update.Name)
		if name == "" {
			return &registrystore.ValidationError{Field: "name", Message: "group name is required"}
		}
		if name != conv.Name {
			patch["name"] = name
		}
	}
	if update.Image != nil && *update.Image != conv.Image {
		patch["image"] = *update.Image
	}
	if len(patch) == 0 {
		return nil
	}
	if err := e.store.Update(ctx, model.CollectionConversations, conv.ID, patch); err != nil {
		return err
	}

	actorName := e.directory.DisplayName(ctx, actorID)
	if _, ok := patch["name"]; ok {
		e.notify(ctx, conv.ID, model.NotificationGroupRenamed, fmt.Sprintf("%s renamed the group to %q", actorName, name))
	}
	if _, ok := patch["image"]; ok {
		e.notify(ctx, conv.ID, model.NotificationGroupImageUpdated, fmt.Sprintf("%s changed the group image", actorName))
	}
	return nil
}

// DeleteConversation removes a conversation with its messages and links.
// Groups can only be disbanded by their admin; either member may delete a
// direct conversation.
func (e *Engine) DeleteConversation(ctx context.Context, actorID, conversationID string) error {
	conv, err := e.memberConversation(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if conv.IsGroup && !conv.IsAdmin(actorID) {
		return &registrystore.ForbiddenError{Reason: "only the group admin can disband the group"}
	}
	return e.deleteConversation(ctx, conv, actorID)
}

func (e *Engine) deleteConversation(ctx context.Context, conv *model.Conversation, actorID string) error {
	if conv.IsGroup {
		// Open views see the notice before the group disappears.
		e.notify(ctx, conv.ID, model.NotificationGroupDisbanded, "The group was disbanded")
	}
	msgs, err := e.store.Query(ctx, model.CollectionMessages, registrystore.Where(registrystore.Eq("conversationId", conv.ID)))
	if err != nil {
		return err
	}
	links, err := e.store.Query(ctx, model.CollectionMemberships, registrystore.Where(registrystore.Eq("conversationId", conv.ID)))
	if err != nil {
		return err
	}
	batch := e.store.Batch()
	for _, m := range msgs {
		batch.Delete(model.CollectionMessages, m.ID)
	}
	for _, l := range links {
		batch.Delete(model.CollectionMemberships, l.ID)
	}
	batch.Delete(model.CollectionConversations, conv.ID)
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conv.ID, err)
	}
	e.publish(ctx, registryevents.TypeConversationDeleted, conv.ID, actorID, map[string]any{"messages": len(msgs)})
	return nil
}

// notify posts a system message. Failures are logged: the change it
// announces has already been written.
func (e *Engine) notify(ctx context.Context, conversationID string, kind model.NotificationKind, text string) {
	_, err := e.sendMessage(ctx, SendMessageRequest{
		ConversationID: conversationID,
		SenderID:       model.SystemSenderID,
		Type:           model.MessageTypeNotification,
		Content:        text,
	}, sendOptions{notificationKind: kind})
	if err != nil {
		log.Warn("Failed to post group notification", "conversation", conversationID, "kind", kind, "err", err)
	}
}

func (e *Engine) membershipChanged(ctx context.Context, conversationID, actorID string, added, removed []string) {
	e.publish(ctx, registryevents.TypeMembershipChanged, conversationID, actorID, map[string]any{
		"added":   added,
		"removed": removed,
	})
}
