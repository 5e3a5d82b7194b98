package transport

import (
	"encoding/json"
	"time"
)

// Wire event names shared between client and realtime service.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventTrack       = "track"
	EventUntrack     = "untrack"
	EventBroadcast   = "broadcast"
	EventSync        = "presence_sync"
	EventJoin        = "presence_join"
	EventLeave       = "presence_leave"
	EventReply       = "reply"
)

// Message is the JSON envelope exchanged over the wire.
type Message struct {
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ref       int             `json:"ref,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Reply is the payload of an EventReply message, correlated by ref.
type Reply struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// presenceDiff is the payload of join and leave notifications.
type presenceDiff struct {
	UserId  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newMessage(topic, event string, payload json.RawMessage) *Message {
	return &Message{
		Topic:     topic,
		Event:     event,
		Payload:   payload,
		Timestamp: Now(),
	}
}

// Now returns the wall clock truncated the way the service stores
// timestamps.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
