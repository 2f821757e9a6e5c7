package events

import (
	"context"
	"time"

	"marketplace/internal/util"
)

// Event types published after a change has been committed.
const (
	TypeUserRegistered = "user.registered"
	TypeUserDeleted    = "user.deleted"
	TypeListingCreated = "listing.created"
	TypeListingDeleted = "listing.deleted"
)

// Event is a committed domain change. Data carries only identifiers and small attributes.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(eventType string, data map[string]any) Event {
	return Event{
		ID:         util.NewID(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
