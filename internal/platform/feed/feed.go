// Package feed is the per-viewer change feed: row inserts and updates on the
// message and notification tables, delivered at least once.
package feed

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

type EventType string

const (
	MessageInserted      EventType = "message.inserted"
	MessageUpdated       EventType = "message.updated"
	NotificationInserted EventType = "notification.inserted"
	// Resynced is emitted locally after a dropped feed is reopened. Pushes
	// between the drop and this event were missed.
	Resynced EventType = "feed.resynced"
)

// Event is one change. Table names the storage partition the row lives in;
// Payload is the JSON row once hydrated.
type Event struct {
	Type    EventType       `json:"type"`
	Table   string          `json:"table"`
	ID      uuid.UUID       `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrDisconnected ends a Conn whose underlying transport dropped.
var ErrDisconnected = errors.New("feed disconnected")

// Conn is one open feed for one viewer. Events is closed when the
// connection ends; Err then reports why (nil after Close).
type Conn interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Source opens per-viewer feeds.
type Source interface {
	Open(ctx context.Context, viewer uuid.UUID) (Conn, error)
}

// Publisher pushes an event onto a viewer's feed. Backends whose store
// publishes on commit (postgres triggers) use NopPublisher.
type Publisher interface {
	Publish(ctx context.Context, viewer uuid.UUID, ev Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, uuid.UUID, Event) error { return nil }

// Hydrator loads the row an event points at.
type Hydrator func(ctx context.Context, ev Event) (json.RawMessage, error)

// ChannelName is the per-viewer channel used by both postgres and redis.
func ChannelName(viewer uuid.UUID) string {
	return "feed_" + viewer.String()
}

const eventBuffer = 64
