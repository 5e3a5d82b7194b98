// Package rooms composes the user-facing join and leave operations:
// capacity check against the persisted room record, the channel-level
// join, and the advisory participant counter with compensating
// rollback.
package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/moodrooms/roomsync/internal/channel"
	"github.com/moodrooms/roomsync/internal/database"
	"github.com/moodrooms/roomsync/internal/types"
)

var (
	ErrRoomNotFound = errors.New("rooms: room not found")
	ErrRoomFull     = errors.New("rooms: room is full")
)

// session is the client's current room, if any.
type session struct {
	roomId string
	status types.Mood
}

// Coordinator orchestrates membership against two consistency domains:
// the persisted counter and the live channel subscription. They cannot
// be updated atomically together, so a failed channel join is
// compensated by restoring the counter.
type Coordinator struct {
	repo     database.RoomRepository
	registry *channel.Registry
	log      *log.Logger

	mu      sync.Mutex
	current *session
}

func NewCoordinator(repo database.RoomRepository, registry *channel.Registry, logger *log.Logger) *Coordinator {
	return &Coordinator{
		repo:     repo,
		registry: registry,
		log:      logger,
	}
}

// Join reserves a slot in roomId and joins its channel with status.
// Joining while another room is active leaves that room first,
// releasing its slot.
func (c *Coordinator) Join(ctx context.Context, roomId string, status types.Mood) error {
	c.mu.Lock()
	hasCurrent := c.current != nil
	c.mu.Unlock()
	if hasCurrent {
		if err := c.Leave(ctx); err != nil {
			return fmt.Errorf("leave current room: %w", err)
		}
	}

	room, err := c.repo.GetRoomByExternalId(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrRoomNotFound, roomId)
		}
		return fmt.Errorf("fetch room %q: %w", roomId, err)
	}

	if room.Participants >= room.MaxParticipants {
		return fmt.Errorf("%w: %q (%d/%d)", ErrRoomFull, roomId, room.Participants, room.MaxParticipants)
	}

	if _, err := c.repo.IncrementParticipants(roomId); err != nil {
		if errors.Is(err, database.ErrCapacity) {
			return fmt.Errorf("%w: %q", ErrRoomFull, roomId)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrRoomNotFound, roomId)
		}
		return fmt.Errorf("reserve slot in %q: %w", roomId, err)
	}

	if err := c.registry.Join(ctx, roomId, status); err != nil {
		// compensate: the slot was reserved but the join never took;
		// a failed rollback leaves a transient overcount that live
		// presence reads supersede
		if _, rbErr := c.repo.DecrementParticipants(roomId); rbErr != nil {
			c.log.Printf("rooms: capacity rollback failed for %q: %v", roomId, rbErr)
		}
		return err
	}

	c.mu.Lock()
	c.current = &session{roomId: roomId, status: status}
	c.mu.Unlock()

	return nil
}

// Leave leaves the active room's channel and then releases the slot.
// A no-op when no room is active. The counter moves only after the
// channel leave has taken: a busy rejection keeps the slot reserved so
// the retry cannot double-free it. Presence correctness is prioritized
// over the advisory counter: a failed decrement is logged and the
// leave completes.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}

	if err := c.registry.Leave(ctx, cur.roomId); err != nil {
		return err
	}

	if _, err := c.repo.DecrementParticipants(cur.roomId); err != nil {
		c.log.Printf("rooms: decrement %q: %v", cur.roomId, err)
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	return nil
}

// Rejoin re-enters the current room after a reconnect. The counter is
// untouched: the slot was never released by the connection loss.
func (c *Coordinator) Rejoin(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}

	return c.registry.Join(ctx, cur.roomId, cur.status)
}

// SetStatus records the latest declared status so a later Rejoin
// restores it.
func (c *Coordinator) SetStatus(status types.Mood) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.status = status
	}
}

// Current reports the active room session.
func (c *Coordinator) Current() (string, types.Mood, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", "", false
	}
	return c.current.roomId, c.current.status, true
}

// CreateRoom persists a new room record with a generated external id.
func (c *Coordinator) CreateRoom(name, description string, maxParticipants int, isPrivate bool, ownerId int) (types.Room, error) {
	externalId, err := shortid.Generate()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	room, err := c.repo.CreateRoom(database.CreateRoomParams{
		ExternalId:      externalId,
		Name:            name,
		Description:     description,
		MaxParticipants: maxParticipants,
		IsPrivate:       isPrivate,
		OwnerId:         ownerId,
	})
	if err != nil {
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	return toTypesRoom(room), nil
}

// GetRoom returns the persisted record for roomId. The participant
// count it carries is advisory.
func (c *Coordinator) GetRoom(roomId string) (types.Room, error) {
	room, err := c.repo.GetRoomByExternalId(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Room{}, fmt.Errorf("%w: %q", ErrRoomNotFound, roomId)
		}
		return types.Room{}, err
	}
	return toTypesRoom(room), nil
}

func toTypesRoom(room database.Room) types.Room {
	return types.Room{
		Id:              room.Id,
		ExternalId:      room.ExternalId,
		Name:            room.Name,
		Description:     room.Description,
		Participants:    room.Participants,
		MaxParticipants: room.MaxParticipants,
		IsPrivate:       room.IsPrivate,
		Status:          room.Status,
		OwnerId:         room.OwnerId,
		CreatedAt:       room.CreatedAt,
		UpdatedAt:       room.UpdatedAt,
	}
}
