package events

import "github.com/moodrooms/roomsync/internal/types"

// Application event types carried over the bus.
const (
	TypeReaction = "reaction"
	TypeTyping   = "typing"
)

// ReactionPayload is a one-shot mood reaction broadcast to the room.
type ReactionPayload struct {
	Mood types.Mood `json:"mood"`
}

// TypingPayload carries the raw typing flag. Transitions are not
// deduplicated here; publishers debounce before sending.
type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}
