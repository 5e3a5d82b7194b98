// Package transport defines the realtime connection the engine runs
// over: a managed socket with per-room channels carrying presence
// notifications and ephemeral broadcasts.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Meta is one user's tracked presence payload as held by the transport.
type Meta struct {
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Conn is a managed socket connection to the realtime service.
type Conn interface {
	// Connect opens the connection. It is an error to call Connect on
	// an already-open connection.
	Connect(ctx context.Context) error
	// Close tears the connection down. Safe to call when not connected.
	Close() error
	// Channel returns the handle for the named room channel, creating
	// it if necessary. Idempotent per name within one connection.
	Channel(name string) Channel
	// OnDisconnect registers a callback invoked when the connection is
	// lost for a reason other than an explicit Close.
	OnDisconnect(fn func(err error))
}

// Channel is one subscription scope over the connection, corresponding
// to a single room. Presence and broadcast callbacks for one channel
// are invoked serially in transport delivery order.
type Channel interface {
	Topic() string
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	// Track declares the local user's presence payload on the channel.
	// Calling Track again replaces the payload.
	Track(ctx context.Context, payload json.RawMessage) error
	Untrack(ctx context.Context) error
	// Broadcast sends an ephemeral event to all channel subscribers.
	Broadcast(ctx context.Context, eventType string, payload json.RawMessage) error
	// PresenceState returns the transport's current authoritative
	// membership snapshot, keyed by user id.
	PresenceState() map[string]Meta
	OnSync(fn func())
	OnJoin(fn func(userId string))
	OnLeave(fn func(userId string))
	OnBroadcast(eventType string, fn func(msg Message))
}
