package model

import (
	"slices"
	"strings"
)

// Collection names used by the document store.
const (
	CollectionMemberships    = "memberships"
	CollectionConversations  = "conversations"
	CollectionMessages       = "messages"
	CollectionFriendRequests = "friend_requests"
	CollectionUsers          = "users"
)

// SystemSenderID is the reserved sender of notification messages.
const SystemSenderID = "system"

// DefaultDisplayName is used when a user has no profile.
const DefaultDisplayName = "User"

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeImage        MessageType = "image"
	MessageTypeVideo        MessageType = "video"
	MessageTypeFile         MessageType = "file"
	MessageTypeNotification MessageType = "notification"
)

// IsMedia reports whether messages of this type carry a URL.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeFile:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeNotification:
		return true
	default:
		return false
	}
}

// NotificationKind tags a system message with the roster or metadata change it announces.
type NotificationKind string

const (
	NotificationGroupCreated      NotificationKind = "group_created"
	NotificationMemberAdded       NotificationKind = "member_added"
	NotificationMemberRemoved     NotificationKind = "member_removed"
	NotificationMemberLeft        NotificationKind = "member_left"
	NotificationAdminTransferred  NotificationKind = "admin_transferred"
	NotificationGroupRenamed      NotificationKind = "group_renamed"
	NotificationGroupImageUpdated NotificationKind = "group_image_updated"
	NotificationGroupDisbanded    NotificationKind = "group_disbanded"
)

// FriendRequestStatus is the state of a directed friend edge.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
)

// MembershipLink records that a user belongs to a conversation.
type MembershipLink struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	CreatedAt      int64  `json:"createdAt"`
}

// MembershipLinkID returns the document id of the link between userID and conversationID.
func MembershipLinkID(userID, conversationID string) string {
	return userID + "_" + conversationID
}

// Member is a roster entry with the display name captured when the member joined.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// LastMessage is the conversation preview shown in conversation lists.
type LastMessage struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is a direct or group chat.
type Conversation struct {
	ID          string       `json:"id"`
	IsGroup     bool         `json:"isGroup"`
	Name        string       `json:"name,omitempty"`
	Members     []Member     `json:"members"`
	AdminID     string       `json:"adminId,omitempty"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	Image       string       `json:"image,omitempty"`
	CreatedAt   int64        `json:"createdAt"`
}

// MemberIDs returns the user ids of the roster in order.
func (c *Conversation) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.UserID
	}
	return ids
}

// HasMember reports whether userID is on the roster.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Member returns the roster entry for userID.
func (c *Conversation) Member(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// IsAdmin reports whether userID administers this group.
func (c *Conversation) IsAdmin(userID string) bool {
	return c.IsGroup && c.AdminID != "" && c.AdminID == userID
}

// ReplyRef is the snapshot of the original message embedded in a reply.
type ReplyRef struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	CreatedAt  int64       `json:"createdAt"`
}

// Message is a single chat message. Content is immutable; only the
// deletion and revoke flags change after creation.
type Message struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	SenderID         string           `json:"senderId"`
	Type             MessageType      `json:"type"`
	Content          string           `json:"content"`
	URL              string           `json:"url,omitempty"`
	CreatedAt        int64            `json:"createdAt"`
	ServerTime       int64            `json:"serverTime,omitempty"`
	ReplyTo          *ReplyRef        `json:"replyTo,omitempty"`
	DeletedFor       []string         `json:"deletedFor"`
	LastDeletedAt    int64            `json:"lastDeletedAt,omitempty"`
	Revoked          bool             `json:"revoked"`
	RevokedAt        int64            `json:"revokedAt,omitempty"`
	SystemRevoked    bool             `json:"systemRevoked"`
	NotificationKind NotificationKind `json:"notificationKind,omitempty"`
	Forwarded        bool             `json:"forwarded,omitempty"`
}

// DeletedForViewer reports whether viewerID removed the message from their own view.
func (m *Message) DeletedForViewer(viewerID string) bool {
	return slices.Contains(m.DeletedFor, viewerID)
}

// Tombstoned reports whether viewerID must see a placeholder instead of the content.
func (m *Message) Tombstoned(viewerID string) bool {
	return m.Revoked || m.SystemRevoked || m.DeletedForViewer(viewerID)
}

// MessageView is a message as a particular viewer is allowed to see it.
type MessageView struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	SenderID         string           `json:"senderId"`
	Type             MessageType      `json:"type"`
	Content          string           `json:"content,omitempty"`
	URL              string           `json:"url,omitempty"`
	CreatedAt        int64            `json:"createdAt"`
	ReplyTo          *ReplyRef        `json:"replyTo,omitempty"`
	Revoked          bool             `json:"revoked,omitempty"`
	SystemRevoked    bool             `json:"systemRevoked,omitempty"`
	DeletedForViewer bool             `json:"deletedForViewer,omitempty"`
	Tombstone        bool             `json:"tombstone,omitempty"`
	NotificationKind NotificationKind `json:"notificationKind,omitempty"`
	Forwarded        bool             `json:"forwarded,omitempty"`
}

// ForViewer renders m for viewerID. Tombstoned messages never expose their
// content, url or reply snapshot.
func (m *Message) ForViewer(viewerID string) MessageView {
	v := MessageView{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Type:             m.Type,
		Content:          m.Content,
		URL:              m.URL,
		CreatedAt:        m.CreatedAt,
		ReplyTo:          m.ReplyTo,
		Revoked:          m.Revoked,
		SystemRevoked:    m.SystemRevoked,
		DeletedForViewer: m.DeletedForViewer(viewerID),
		NotificationKind: m.NotificationKind,
		Forwarded:        m.Forwarded,
	}
	if m.Tombstoned(viewerID) {
		v.Tombstone = true
		v.Content = ""
		v.URL = ""
		v.ReplyTo = nil
	}
	return v
}

// Preview returns the conversation list preview text for a message.
func Preview(t MessageType, content string) string {
	switch t {
	case MessageTypeImage:
		return "[Image]"
	case MessageTypeVideo:
		return "[Video]"
	case MessageTypeFile:
		name := strings.TrimSpace(content)
		if name == "" {
			return "[File]"
		}
		return "[File: " + name + "]"
	default:
		return content
	}
}

// SortMessages orders messages by createdAt, breaking ties by id.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// FriendRequest is a directed friend edge.
type FriendRequest struct {
	ID         string              `json:"id"`
	From       string              `json:"from"`
	To         string              `json:"to"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  int64               `json:"createdAt"`
	AcceptedAt int64               `json:"acceptedAt,omitempty"`
}

// Friend is one side of an accepted friend edge.
type Friend struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Since       int64  `json:"since"`
	RequestID   string `json:"requestId"`
}

// UserProfile holds the user attributes the engine snapshots into conversations.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}
