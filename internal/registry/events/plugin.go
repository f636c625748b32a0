// Package events publishes domain events to downstream consumers. Publishing
// never participates in the write it describes: a failed publish is logged
// and counted, the write stands.
package events

import (
	"context"
	"fmt"
)

// Event types.
const (
	TypeMessageSent         = "message.sent"
	TypeMessageRevoked      = "message.revoked"
	TypeConversationCreated = "conversation.created"
	TypeConversationDeleted = "conversation.deleted"
	TypeMembershipChanged   = "membership.changed"
	TypeFriendRequested     = "friend.requested"
	TypeFriendAccepted      = "friend.accepted"
	TypeFriendRejected      = "friend.rejected"
)

// Event is one domain event. Key groups related events for ordered
// delivery; it is the conversation id, or the friend request id.
type Event struct {
	Type    string         `json:"type"`
	Key     string         `json:"key"`
	ActorID string         `json:"actorId"`
	Time    int64          `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Loader creates a publisher from config.
type Loader func(ctx context.Context) (Publisher, error)

// Plugin represents an event publisher plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an events plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered events plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named events plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown events publisher %q; valid: %v", name, Names())
}
