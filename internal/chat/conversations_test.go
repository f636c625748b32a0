package chat

import (
	"context"
	"testing"

	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notifications(t *testing.T, e *Engine, conversationID, viewer string) []model.NotificationKind {
	t.Helper()
	views, err := e.ListMessages(context.Background(), conversationID, viewer)
	require.NoError(t, err)
	var kinds []model.NotificationKind
	for _, v := range views {
		if v.Type == model.MessageTypeNotification {
			assert.Equal(t, model.SystemSenderID, v.SenderID)
			kinds = append(kinds, v.NotificationKind)
		}
	}
	return kinds
}

func linkExists(t *testing.T, e *Engine, userID, conversationID string) bool {
	t.Helper()
	_, err := e.store.Get(context.Background(), model.CollectionMemberships, model.MembershipLinkID(userID, conversationID))
	if isNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	var invalid *registrystore.ValidationError
	_, err := e.CreateGroup(ctx, alice, "  ", []string{bob}, "")
	require.ErrorAs(t, err, &invalid)
	_, err = e.CreateGroup(ctx, alice, "solo", []string{alice, ""}, "")
	require.ErrorAs(t, err, &invalid)

	g, err := e.CreateGroup(ctx, alice, "team", []string{bob, carol, bob}, "https://img.example/team.png")
	require.NoError(t, err)
	assert.True(t, g.IsGroup)
	assert.Equal(t, alice, g.AdminID)
	assert.Equal(t, []string{alice, bob, carol}, g.MemberIDs())
	for _, u := range []string{alice, bob, carol} {
		assert.True(t, linkExists(t, e, u, g.ID), u)
	}
	assert.Equal(t, []model.NotificationKind{model.NotificationGroupCreated}, notifications(t, e, g.ID, bob))

	stored, err := e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice created the group", stored.LastMessage.Text)

	list, err := e.ListConversations(ctx, carol)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, g.ID, list[0].ID)
}

func TestTransferAdmin_Scenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	g, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)

	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, e.TransferAdmin(ctx, bob, g.ID, bob), &forbidden)

	var invalid *registrystore.ValidationError
	require.ErrorAs(t, e.TransferAdmin(ctx, alice, g.ID, carol), &invalid)

	require.NoError(t, e.TransferAdmin(ctx, alice, g.ID, bob))
	stored, err := e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, stored.AdminID)
	assert.Equal(t, []model.NotificationKind{
		model.NotificationGroupCreated,
		model.NotificationAdminTransferred,
	}, notifications(t, e, g.ID, alice))

	require.ErrorAs(t, e.AddMember(ctx, alice, g.ID, carol), &forbidden)
	require.NoError(t, e.AddMember(ctx, bob, g.ID, carol))
}

func TestAddMember_ExistingIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	g, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)

	require.NoError(t, e.AddMember(ctx, alice, g.ID, bob))
	stored, err := e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alice, bob}, stored.MemberIDs())
	assert.Equal(t, []model.NotificationKind{model.NotificationGroupCreated}, notifications(t, e, g.ID, alice))

	require.NoError(t, e.AddMember(ctx, alice, g.ID, carol))
	stored, err = e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Member{
		{UserID: alice, DisplayName: "Alice"},
		{UserID: bob, DisplayName: "Bob"},
		{UserID: carol, DisplayName: "Carol"},
	}, stored.Members)
	assert.True(t, linkExists(t, e, carol, g.ID))
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	g, err := e.CreateGroup(ctx, alice, "team", []string{bob, carol}, "")
	require.NoError(t, err)

	var invalid *registrystore.ValidationError
	require.ErrorAs(t, e.RemoveMember(ctx, alice, g.ID, alice), &invalid)
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, e.RemoveMember(ctx, bob, g.ID, carol), &forbidden)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, e.RemoveMember(ctx, alice, g.ID, dave), &notFound)

	require.NoError(t, e.RemoveMember(ctx, alice, g.ID, carol))
	stored, err := e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alice, bob}, stored.MemberIDs())
	assert.False(t, linkExists(t, e, carol, g.ID))
	assert.Equal(t, "Carol was removed from the group", stored.LastMessage.Text)

	_, err = e.ListMessages(ctx, g.ID, carol)
	require.ErrorAs(t, err, &forbidden)
}

func TestLeaveGroup(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	g, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)

	var invalid *registrystore.ValidationError
	require.ErrorAs(t, e.LeaveGroup(ctx, alice, g.ID), &invalid)

	require.NoError(t, e.LeaveGroup(ctx, bob, g.ID))
	stored, err := e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alice}, stored.MemberIDs())
	assert.False(t, linkExists(t, e, bob, g.ID))
	assert.Equal(t, []model.NotificationKind{
		model.NotificationGroupCreated,
		model.NotificationMemberLeft,
	}, notifications(t, e, g.ID, alice))

	// The last member disbands the group by leaving.
	require.NoError(t, e.LeaveGroup(ctx, alice, g.ID))
	_, err = e.conversation(ctx, g.ID)
	assert.True(t, isNotFound(err))
	assert.False(t, linkExists(t, e, alice, g.ID))

	direct, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	require.ErrorAs(t, e.LeaveGroup(ctx, alice, direct.ID), &invalid)
}

func TestUpdateGroupInfo(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	g, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)

	name, image := "renamed", "https://img.example/new.png"
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, e.UpdateGroupInfo(ctx, bob, g.ID, GroupInfoUpdate{Name: &name}), &forbidden)

	blank := " "
	var invalid *registrystore.ValidationError
	require.ErrorAs(t, e.UpdateGroupInfo(ctx, alice, g.ID, GroupInfoUpdate{Name: &blank}), &invalid)

	require.NoError(t, e.UpdateGroupInfo(ctx, alice, g.ID, GroupInfoUpdate{Name: &name, Image: &image}))
	stored, err := e.conversation(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, name, stored.Name)
	assert.Equal(t, image, stored.Image)
	assert.Equal(t, []model.NotificationKind{
		model.NotificationGroupCreated,
		model.NotificationGroupRenamed,
		model.NotificationGroupImageUpdated,
	}, notifications(t, e, g.ID, bob))

	require.NoError(t, e.UpdateGroupInfo(ctx, alice, g.ID, GroupInfoUpdate{Name: &name}))
	assert.Len(t, notifications(t, e, g.ID, bob), 3)
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	g, err := e.CreateGroup(ctx, alice, "team", []string{bob}, "")
	require.NoError(t, err)
	sendText(t, e, g.ID, bob, "bye", "")

	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, e.DeleteConversation(ctx, bob, g.ID), &forbidden)

	require.NoError(t, e.DeleteConversation(ctx, alice, g.ID))
	_, err = e.conversation(ctx, g.ID)
	assert.True(t, isNotFound(err))
	msgs, err := e.store.Query(ctx, model.CollectionMessages, registrystore.Where(registrystore.Eq("conversationId", g.ID)))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, linkExists(t, e, alice, g.ID))
	assert.False(t, linkExists(t, e, bob, g.ID))

	direct, _, err := e.CreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	require.NoError(t, e.DeleteConversation(ctx, bob, direct.ID))
	found, err := e.FindDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSortByLastActivity(t *testing.T) {
	convs := []model.Conversation{
		{ID: "a", CreatedAt: 10},
		{ID: "b", CreatedAt: 5, LastMessage: &model.LastMessage{Timestamp: 30}},
		{ID: "c", CreatedAt: 20},
	}
	SortByLastActivity(convs)
	assert.Equal(t, []string{"b", "c", "a"}, []string{convs[0].ID, convs[1].ID, convs[2].ID})
}
