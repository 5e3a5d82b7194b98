// Package presence maintains the live membership mapping for the
// active room, reconciled from the transport's sync, join and leave
// notifications.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

// ErrNotTracking is returned by UpdateMood when no channel is attached.
var ErrNotTracking = errors.New("presence: no active room")

// Tracker holds the authoritative user -> entry mapping for the active
// room. The mapping is written only by the attached channel's handlers,
// which the transport invokes serially; reads are safe from any
// goroutine.
type Tracker struct {
	log     *log.Logger
	localId string

	mu        sync.RWMutex
	ch        transport.Channel
	entries   map[string]types.PresenceEntry
	listeners []func([]types.PresenceEntry)
}

func NewTracker(logger *log.Logger, localId string) *Tracker {
	return &Tracker{
		log:     logger,
		localId: localId,
		entries: make(map[string]types.PresenceEntry),
	}
}

// Attach wires the tracker to a newly subscribed channel. Sync, join
// and leave all rebuild the mapping from the channel's authoritative
// snapshot rather than applying deltas, so out-of-order notifications
// cannot cause divergence.
func (t *Tracker) Attach(ch transport.Channel) {
	t.mu.Lock()
	t.ch = ch
	t.mu.Unlock()

	ch.OnSync(func() { t.reconcile(ch) })
	ch.OnJoin(func(string) { t.reconcile(ch) })
	ch.OnLeave(func(string) { t.reconcile(ch) })
}

// Detach drops the channel and clears the mapping; entries do not
// outlive the room session.
func (t *Tracker) Detach() {
	t.mu.Lock()
	t.ch = nil
	t.mu.Unlock()
	t.Clear()
}

// Clear empties the mapping, marking it stale (e.g. on connection
// loss). Listeners observe the empty state.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]types.PresenceEntry)
	t.mu.Unlock()
	t.notify()
}

// UpdateMood re-tracks the local presence payload with a new status.
// No leave/join cycle is required; the mapping updates through the
// resulting notification.
func (t *Tracker) UpdateMood(ctx context.Context, mood types.Mood) error {
	t.mu.RLock()
	ch := t.ch
	t.mu.RUnlock()
	if ch == nil {
		return ErrNotTracking
	}

	payload, err := json.Marshal(types.StatusPayload{UserId: t.localId, Mood: mood})
	if err != nil {
		return err
	}
	return ch.Track(ctx, payload)
}

// OnChange registers a listener invoked with a membership snapshot
// after every republish, in registration order.
func (t *Tracker) OnChange(fn func([]types.PresenceEntry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// UsersByStatus returns the ids of users currently declaring mood.
func (t *Tracker) UsersByStatus(mood types.Mood) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, entry := range t.entries {
		if entry.Mood == mood {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Tracker) IsPresent(userId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[userId]
	return ok
}

func (t *Tracker) StatusOf(userId string) (types.Mood, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[userId]
	return entry.Mood, ok
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// reconcile replaces the mapping wholesale from the channel's current
// presence state. Malformed payloads are logged and treated as absent;
// presence is best-effort and self-heals on the next sync.
func (t *Tracker) reconcile(ch transport.Channel) {
	t.mu.RLock()
	current := t.ch
	t.mu.RUnlock()
	if current != ch {
		// notification from a superseded channel
		return
	}

	state := ch.PresenceState()

	entries := make(map[string]types.PresenceEntry, len(state))
	for id, meta := range state {
		var status types.StatusPayload
		if err := json.Unmarshal(meta.Payload, &status); err != nil {
			t.log.Printf("presence: bad payload for %q: %v", id, err)
			continue
		}
		entries[id] = types.PresenceEntry{
			UserId:    id,
			Mood:      status.Mood,
			UpdatedAt: meta.UpdatedAt,
		}
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()

	t.notify()
}

func (t *Tracker) notify() {
	t.mu.RLock()
	snapshot := make([]types.PresenceEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		snapshot = append(snapshot, entry)
	}
	listeners := append([]func([]types.PresenceEntry){}, t.listeners...)
	t.mu.RUnlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
