package types

import (
	"encoding/json"
	"time"
)

// Mood is the status payload attached to a user's presence entry. The
// set of values is owned by the application; the engine treats it as
// opaque apart from equality.
type Mood string

const (
	MoodChill   Mood = "chill"
	MoodHype    Mood = "hype"
	MoodFocused Mood = "focused"
	MoodSleepy  Mood = "sleepy"
)

// StatusPayload is the tracked presence declaration for the local user.
type StatusPayload struct {
	UserId string `json:"user_id"`
	Mood   Mood   `json:"mood"`
}

// PresenceEntry is one row of a room's live membership mapping.
type PresenceEntry struct {
	UserId    string    `json:"user_id"`
	Mood      Mood      `json:"mood"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is an ephemeral envelope broadcast to room members. It is never
// persisted and delivered at most once per subscribed client.
type Event struct {
	RoomId    string          `json:"room_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderId  string          `json:"sender_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Room is the application-facing view of a persisted room record. The
// Participants counter is advisory; live membership comes from the
// presence mapping.
type Room struct {
	Id              int       `json:"id"`
	ExternalId      string    `json:"external_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Participants    int       `json:"participants"`
	MaxParticipants int       `json:"max_participants"`
	IsPrivate       bool      `json:"is_private"`
	Status          string    `json:"status"`
	OwnerId         int       `json:"owner_id"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}
