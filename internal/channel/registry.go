// Package channel maps room identifiers to at most one active channel
// handle and serializes membership transitions.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/moodrooms/roomsync/internal/connection"
	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

// State is the lifecycle state of a room channel.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when a join or leave is already in flight. The
// caller must wait for the current transition and retry; requests are
// never queued.
var ErrBusy = errors.New("channel: membership transition in flight")

// RoomChannel is one subscription to one room's event stream.
type RoomChannel struct {
	RoomId string
	Status types.Mood
	state  State
	ch     transport.Channel
}

// Registry enforces the single-active-room invariant. All membership
// transitions for all rooms are serialized through one busy flag.
type Registry struct {
	conn   transport.Conn
	mgr    *connection.Manager
	log    *log.Logger
	userId string

	busy           atomic.Bool
	mu             sync.Mutex
	active         *RoomChannel
	onSubscribed   []func(transport.Channel)
	onUnsubscribed []func()
}

func NewRegistry(conn transport.Conn, mgr *connection.Manager, logger *log.Logger, userId string) *Registry {
	return &Registry{
		conn:   conn,
		mgr:    mgr,
		log:    logger,
		userId: userId,
	}
}

// OnSubscribed registers a hook invoked with the transport channel once
// it is subscribed, before the local presence payload is tracked.
func (r *Registry) OnSubscribed(fn func(transport.Channel)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSubscribed = append(r.onSubscribed, fn)
}

// OnUnsubscribed registers a hook invoked whenever the active channel
// is discarded.
func (r *Registry) OnUnsubscribed(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnsubscribed = append(r.onUnsubscribed, fn)
}

// Join subscribes the client to roomId with the given status payload.
// If another room is active its leave sequence runs first. Any failure
// unwinds fully: no partial channel is left registered.
func (r *Registry) Join(ctx context.Context, roomId string, status types.Mood) error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer r.busy.Store(false)

	r.mu.Lock()
	hasActive := r.active != nil
	r.mu.Unlock()
	if hasActive {
		r.leaveActive(ctx)
	}

	ch := r.conn.Channel(roomId)
	rc := &RoomChannel{RoomId: roomId, Status: status, state: StateSubscribing, ch: ch}

	if err := r.mgr.EnsureConnected(ctx); err != nil {
		r.fail(rc)
		return err
	}

	if err := ch.Subscribe(ctx); err != nil {
		r.fail(rc)
		return fmt.Errorf("subscribe %q: %w", roomId, err)
	}

	// attach observers before tracking so the initial sync and the
	// local join echo are both observed
	r.fireSubscribed(ch)

	payload, err := json.Marshal(types.StatusPayload{UserId: r.userId, Mood: status})
	if err != nil {
		r.unwind(ctx, rc)
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := ch.Track(ctx, payload); err != nil {
		r.unwind(ctx, rc)
		return fmt.Errorf("track presence in %q: %w", roomId, err)
	}

	r.mu.Lock()
	rc.state = StateSubscribed
	r.active = rc
	r.mu.Unlock()

	return nil
}

// Leave runs the leave sequence for roomId. A no-op when roomId is not
// the active room.
func (r *Registry) Leave(ctx context.Context, roomId string) error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer r.busy.Store(false)

	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil || active.RoomId != roomId {
		return nil
	}

	r.leaveActive(ctx)
	return nil
}

// Invalidate discards the active channel without transport calls, used
// when the connection it lived on is gone.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	rc := r.active
	if rc != nil {
		rc.state = StateIdle
		r.active = nil
	}
	r.mu.Unlock()

	if rc != nil {
		r.fireUnsubscribed()
	}
}

// Active reports the active room and its declared status.
func (r *Registry) Active() (string, types.Mood, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", "", false
	}
	return r.active.RoomId, r.active.Status, true
}

// ActiveChannel returns the subscribed transport channel, or nil.
func (r *Registry) ActiveChannel() transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.state != StateSubscribed {
		return nil
	}
	return r.active.ch
}

// IsSubscribed reports whether roomId is the active, subscribed room.
func (r *Registry) IsSubscribed(roomId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && r.active.RoomId == roomId && r.active.state == StateSubscribed
}

// SetStatus records a new declared status for the active room.
func (r *Registry) SetStatus(status types.Mood) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.Status = status
	}
}

// leaveActive runs the Subscribed -> Unsubscribing -> Idle sequence.
// The caller holds the busy flag. Transport failures are logged, not
// surfaced: the handle is discarded either way.
func (r *Registry) leaveActive(ctx context.Context) {
	r.mu.Lock()
	rc := r.active
	if rc == nil {
		r.mu.Unlock()
		return
	}
	rc.state = StateUnsubscribing
	r.mu.Unlock()

	if err := rc.ch.Untrack(ctx); err != nil {
		r.log.Printf("channel: untrack %q: %v", rc.RoomId, err)
	}
	if err := rc.ch.Unsubscribe(ctx); err != nil {
		r.log.Printf("channel: unsubscribe %q: %v", rc.RoomId, err)
	}

	r.mu.Lock()
	rc.state = StateIdle
	r.active = nil
	r.mu.Unlock()

	r.fireUnsubscribed()
}

// fail marks a partially joined channel Failed. The handle is never
// registered, so the room is back to Idle from the registry's view.
func (r *Registry) fail(rc *RoomChannel) {
	r.mu.Lock()
	rc.state = StateFailed
	r.mu.Unlock()
}

// unwind reverts a partially joined channel after a failure past the
// subscribe step.
func (r *Registry) unwind(ctx context.Context, rc *RoomChannel) {
	if err := rc.ch.Unsubscribe(ctx); err != nil {
		r.log.Printf("channel: unwind %q: %v", rc.RoomId, err)
	}
	r.fireUnsubscribed()
	r.fail(rc)
}

func (r *Registry) fireSubscribed(ch transport.Channel) {
	r.mu.Lock()
	fns := append([]func(transport.Channel){}, r.onSubscribed...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (r *Registry) fireUnsubscribed() {
	r.mu.Lock()
	fns := append([]func(){}, r.onUnsubscribed...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
