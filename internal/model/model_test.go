package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForViewer_TombstonesRevokedAndDeleted(t *testing.T) {
	msg := Message{
		ID:         "m1",
		Type:       MessageTypeImage,
		Content:    "cat.png",
		URL:        "https://cdn.example.com/cat.png",
		ReplyTo:    &ReplyRef{ID: "m0", Content: "look"},
		DeletedFor: []string{"bob"},
	}

	alice := msg.ForViewer("alice")
	assert.False(t, alice.Tombstone)
	assert.Equal(t, "https://cdn.example.com/cat.png", alice.URL)
	require.NotNil(t, alice.ReplyTo)

	bob := msg.ForViewer("bob")
	assert.True(t, bob.Tombstone)
	assert.True(t, bob.DeletedForViewer)
	assert.Empty(t, bob.Content)
	assert.Empty(t, bob.URL)
	assert.Nil(t, bob.ReplyTo)

	msg.SystemRevoked = true
	assert.True(t, msg.ForViewer("alice").Tombstone)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", Preview(MessageTypeText, "hi"))
	assert.Equal(t, "[Image]", Preview(MessageTypeImage, "a.png"))
	assert.Equal(t, "[Video]", Preview(MessageTypeVideo, "a.mp4"))
	assert.Equal(t, "[File: report.pdf]", Preview(MessageTypeFile, "report.pdf"))
	assert.Equal(t, "[File]", Preview(MessageTypeFile, " "))
	assert.Equal(t, "Ann was added to the group", Preview(MessageTypeNotification, "Ann was added to the group"))
}

func TestSortMessages(t *testing.T) {
	msgs := []Message{
		{ID: "c", CreatedAt: 3},
		{ID: "b", CreatedAt: 1},
		{ID: "a", CreatedAt: 1},
	}
	SortMessages(msgs)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestConversationRoster(t *testing.T) {
	conv := Conversation{
		IsGroup: true,
		AdminID: "a",
		Members: []Member{{UserID: "a"}, {UserID: "b"}},
	}
	assert.True(t, conv.HasMember("b"))
	assert.False(t, conv.HasMember("c"))
	assert.True(t, conv.IsAdmin("a"))
	assert.False(t, conv.IsAdmin("b"))
	assert.Equal(t, []string{"a", "b"}, conv.MemberIDs())

	direct := Conversation{AdminID: "a"}
	assert.False(t, direct.IsAdmin("a"))
}
