package database

import "errors"

// ErrCapacity is returned by IncrementParticipants when the counter is
// already at the room's capacity.
var ErrCapacity = errors.New("room at capacity")

// RoomRepository is the persistence surface for room records. The
// participant counter is shared with other clients and must only be
// moved through the atomic increment/decrement operations, never via
// read-modify-write of a cached copy.
type RoomRepository interface {
	Ping() error
	GetRoomByExternalId(externalId string) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	DeleteRoom(id int) error
	// IncrementParticipants atomically bumps the counter, failing with
	// ErrCapacity when participants == max_participants. Returns the
	// new count.
	IncrementParticipants(externalId string) (int, error)
	// DecrementParticipants atomically lowers the counter, floored at
	// zero. Returns the new count.
	DecrementParticipants(externalId string) (int, error)
}
