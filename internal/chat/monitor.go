package chat

import (
	"slices"
	"sync"

	"github.com/chirino/chat-sync/internal/model"
)

// MembershipChangeEvent describes how a conversation's roster and metadata
// changed between two snapshots.
type MembershipChangeEvent struct {
	ConversationID  string   `json:"conversationId"`
	Added           []string `json:"added,omitempty"`
	Removed         []string `json:"removed,omitempty"`
	PreviousAdminID string   `json:"previousAdminId,omitempty"`
	AdminID         string   `json:"adminId,omitempty"`
	AdminChanged    bool     `json:"adminChanged,omitempty"`
	NameChanged     bool     `json:"nameChanged,omitempty"`
	ImageChanged    bool     `json:"imageChanged,omitempty"`
	SelfEvicted     bool     `json:"selfEvicted,omitempty"`
}

// Empty reports whether nothing changed.
func (e MembershipChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0 &&
		!e.AdminChanged && !e.NameChanged && !e.ImageChanged && !e.SelfEvicted
}

// DiffMembership compares two snapshots of a conversation as seen by self.
// A nil prev treats every member of next as added; a nil next means the
// conversation was deleted.
func DiffMembership(prev, next *model.Conversation, self string) MembershipChangeEvent {
	var ev MembershipChangeEvent
	var before, after []string
	switch {
	case next != nil:
		ev.ConversationID = next.ID
		ev.AdminID = next.AdminID
		after = next.MemberIDs()
	case prev != nil:
		ev.ConversationID = prev.ID
	}
	if prev != nil {
		before = prev.MemberIDs()
		ev.PreviousAdminID = prev.AdminID
	}

	for _, id := range after {
		if !slices.Contains(before, id) {
			ev.Added = append(ev.Added, id)
		}
	}
	for _, id := range before {
		if !slices.Contains(after, id) {
			ev.Removed = append(ev.Removed, id)
		}
	}
	if prev != nil && next != nil {
		ev.AdminChanged = prev.AdminID != next.AdminID
		ev.NameChanged = prev.Name != next.Name
		ev.ImageChanged = prev.Image != next.Image
	}
	ev.SelfEvicted = next == nil || !next.HasMember(self)
	return ev
}

// RosterUpdate is delivered to an open view when its conversation changes.
// IsAdmin is derived from this snapshot only.
type RosterUpdate struct {
	Conversation model.Conversation    `json:"conversation"`
	IsAdmin      bool                  `json:"isAdmin"`
	Change       MembershipChangeEvent `json:"change"`
}

// MembershipMonitor follows one conversation for one user and detects the
// moment the user stops being a member.
type MembershipMonitor struct {
	self string

	mu      sync.Mutex
	last    *model.Conversation
	evicted bool
}

// NewMembershipMonitor creates a monitor for self.
func NewMembershipMonitor(self string) *MembershipMonitor {
	return &MembershipMonitor{self: self}
}

// Observe feeds the next snapshot; conv is nil when the conversation no
// longer exists. It returns the update to show, and evict is true exactly
// once, on the first snapshot without self. Once evicted, ok is false for
// every later snapshot.
func (m *MembershipMonitor) Observe(conv *model.Conversation) (update RosterUpdate, evict, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evicted {
		return RosterUpdate{}, false, false
	}
	change := DiffMembership(m.last, conv, m.self)
	if change.SelfEvicted {
		m.evicted = true
		m.last = nil
		return RosterUpdate{Change: change}, true, true
	}
	m.last = conv
	return RosterUpdate{
		Conversation: *conv,
		IsAdmin:      conv.IsAdmin(m.self),
		Change:       change,
	}, false, true
}

// Evicted reports whether the eviction signal has fired.
func (m *MembershipMonitor) Evicted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}
