// Package events is the per-room typed publish/subscribe surface for
// ephemeral messages: reactions, typing indicators, heartbeats.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/moodrooms/roomsync/internal/channel"
	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

// ErrNotSubscribed is returned when publishing without an active,
// subscribed channel for the room.
var ErrNotSubscribed = errors.New("events: not subscribed to room")

// Handler receives one inbound event. Handlers for a type run in
// registration order; within one type, delivery order follows the
// transport.
type Handler func(types.Event)

// Bus broadcasts typed envelopes over the active room channel. Events
// are never persisted and delivered at most once per subscribed client.
type Bus struct {
	log      *log.Logger
	registry *channel.Registry

	mu       sync.Mutex
	ch       transport.Channel
	handlers map[string][]Handler
}

func NewBus(logger *log.Logger, registry *channel.Registry) *Bus {
	return &Bus{
		log:      logger,
		registry: registry,
		handlers: make(map[string][]Handler),
	}
}

// Attach binds the bus to a newly subscribed channel, registering the
// transport dispatch for every known event type.
func (b *Bus) Attach(ch transport.Channel) {
	b.mu.Lock()
	b.ch = ch
	eventTypes := make([]string, 0, len(b.handlers))
	for eventType := range b.handlers {
		eventTypes = append(eventTypes, eventType)
	}
	b.mu.Unlock()

	for _, eventType := range eventTypes {
		b.bind(ch, eventType)
	}
}

// Detach drops the channel; handler registrations survive for the next
// room.
func (b *Bus) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ch = nil
}

// Publish sends payload as an eventType envelope to roomId's members.
// Fails with ErrNotSubscribed unless roomId is the active, subscribed
// room.
func (b *Bus) Publish(ctx context.Context, roomId, eventType string, payload any) error {
	if !b.registry.IsSubscribed(roomId) {
		return fmt.Errorf("%w: %q", ErrNotSubscribed, roomId)
	}

	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: %q", ErrNotSubscribed, roomId)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	return ch.Broadcast(ctx, eventType, raw)
}

// Subscribe registers a handler for inbound events of eventType on the
// active room. All handlers for a type are invoked, in registration
// order, for each event.
func (b *Bus) Subscribe(eventType string, fn Handler) {
	b.mu.Lock()
	known := len(b.handlers[eventType]) > 0
	b.handlers[eventType] = append(b.handlers[eventType], fn)
	ch := b.ch
	b.mu.Unlock()

	if ch != nil && !known {
		b.bind(ch, eventType)
	}
}

// bind registers one transport handler per event type that fans out to
// the bus's ordered handler list.
func (b *Bus) bind(ch transport.Channel, eventType string) {
	ch.OnBroadcast(eventType, func(msg transport.Message) {
		b.dispatch(types.Event{
			RoomId:    msg.Topic,
			Type:      msg.Type,
			Payload:   msg.Payload,
			SenderId:  msg.Sender,
			Timestamp: msg.Timestamp,
		})
	})
}

func (b *Bus) dispatch(event types.Event) {
	b.mu.Lock()
	fns := append([]Handler{}, b.handlers[event.Type]...)
	b.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}
