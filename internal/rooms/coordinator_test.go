package rooms

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/moodrooms/roomsync/internal/channel"
	"github.com/moodrooms/roomsync/internal/connection"
	"github.com/moodrooms/roomsync/internal/database"
	"github.com/moodrooms/roomsync/internal/testutil"
	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

func newTestCoordinator(t *testing.T, repo database.RoomRepository) (*Coordinator, *transport.FakeConn) {
	t.Helper()
	conn := transport.NewFakeConn("testuser")
	mgr := connection.NewManager(conn, testutil.TestLogger(t), connection.Options{
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(mgr.Disconnect)
	registry := channel.NewRegistry(conn, mgr, testutil.TestLogger(t), "testuser")
	return NewCoordinator(repo, registry, testutil.TestLogger(t)), conn
}

func testRoom(externalId string, participants, max int) database.Room {
	return database.Room{
		Id:              1,
		ExternalId:      externalId,
		Name:            "Test Room",
		Participants:    participants,
		MaxParticipants: max,
		Status:          "active",
		OwnerId:         1,
	}
}

func Test_JoinRoom(t *testing.T) {
	t.Run("reserves a slot and joins the channel", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		coord, conn := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "test-room", types.MoodHype)
		assert.NoError(t, err, "expected join to succeed")

		roomId, status, ok := coord.Current()
		assert.True(t, ok, "expected an active session")
		assert.Equal(t, "test-room", roomId, "expected session room to match")
		assert.Equal(t, types.MoodHype, status, "expected session status to match")
		assert.True(t, conn.TestChannel("test-room").Subscribed(), "expected channel to be subscribed")
		repo.AssertExpectations(t)
	})

	t.Run("room not found", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "missing-room").Return(database.Room{}, sql.ErrNoRows)
		coord, _ := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "missing-room", types.MoodChill)
		assert.ErrorIs(t, err, ErrRoomNotFound, "expected room not found error")
		repo.AssertNotCalled(t, "IncrementParticipants", "missing-room")
	})

	t.Run("room at capacity", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "full-room").Return(testRoom("full-room", 2, 2), nil)
		coord, _ := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "full-room", types.MoodChill)
		assert.ErrorIs(t, err, ErrRoomFull, "expected room full error")
		repo.AssertNotCalled(t, "IncrementParticipants", "full-room")
		_, _, ok := coord.Current()
		assert.False(t, ok, "expected no session after rejected join")
	})

	t.Run("capacity race lost on increment", func(t *testing.T) {
		// the record said a slot was free but the conditional update lost
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "busy-room").Return(testRoom("busy-room", 1, 2), nil)
		repo.On("IncrementParticipants", "busy-room").Return(0, database.ErrCapacity)
		coord, _ := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "busy-room", types.MoodChill)
		assert.ErrorIs(t, err, ErrRoomFull, "expected room full error when the slot is gone")
	})

	t.Run("rolls back the counter when the channel join fails", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		repo.On("DecrementParticipants", "test-room").Return(1, nil)
		coord, conn := newTestCoordinator(t, repo)
		conn.TestChannel("test-room").SubscribeErr = errors.New("unauthorized")

		err := coord.Join(context.Background(), "test-room", types.MoodChill)
		assert.ErrorContains(t, err, "subscribe", "expected the channel failure to surface")
		repo.AssertCalled(t, "DecrementParticipants", "test-room")
		_, _, ok := coord.Current()
		assert.False(t, ok, "expected no session after failed join")
	})

	t.Run("rollback failure is logged, original error surfaces", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		repo.On("DecrementParticipants", "test-room").Return(0, errors.New("db down"))
		coord, conn := newTestCoordinator(t, repo)
		conn.TestChannel("test-room").SubscribeErr = errors.New("unauthorized")

		err := coord.Join(context.Background(), "test-room", types.MoodChill)
		assert.ErrorContains(t, err, "subscribe", "expected the channel failure, not the rollback failure")
	})

	t.Run("switching rooms releases the previous slot", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "room-a").Return(testRoom("room-a", 1, 5), nil)
		repo.On("GetRoomByExternalId", "room-b").Return(testRoom("room-b", 0, 5), nil)
		repo.On("IncrementParticipants", "room-a").Return(2, nil)
		repo.On("IncrementParticipants", "room-b").Return(1, nil)
		repo.On("DecrementParticipants", "room-a").Return(1, nil)
		coord, conn := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "room-a", types.MoodChill)
		assert.NoError(t, err, "expected first join to succeed")
		err = coord.Join(context.Background(), "room-b", types.MoodHype)
		assert.NoError(t, err, "expected second join to succeed")

		repo.AssertCalled(t, "DecrementParticipants", "room-a")
		assert.False(t, conn.TestChannel("room-a").Subscribed(), "expected previous channel to be unsubscribed")
		roomId, _, ok := coord.Current()
		assert.True(t, ok, "expected an active session")
		assert.Equal(t, "room-b", roomId, "expected new room to be the session")
	})
}

func Test_LeaveRoom(t *testing.T) {
	t.Run("releases the slot and leaves the channel", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		repo.On("DecrementParticipants", "test-room").Return(1, nil)
		coord, conn := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "test-room", types.MoodChill)
		assert.NoError(t, err, "expected join to succeed")

		err = coord.Leave(context.Background())
		assert.NoError(t, err, "expected leave to succeed")
		repo.AssertCalled(t, "DecrementParticipants", "test-room")
		assert.False(t, conn.TestChannel("test-room").Subscribed(), "expected channel to be unsubscribed")
		_, _, ok := coord.Current()
		assert.False(t, ok, "expected no session after leave")
	})

	t.Run("no-op without a session", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		coord, _ := newTestCoordinator(t, repo)

		err := coord.Leave(context.Background())
		assert.NoError(t, err, "expected leave with no session to be a no-op")
		repo.AssertNotCalled(t, "DecrementParticipants", mock.Anything)
	})

	t.Run("busy rejection keeps the slot reserved", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		repo.On("DecrementParticipants", "test-room").Return(1, nil)
		coord, conn := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "test-room", types.MoodChill)
		assert.NoError(t, err, "expected join to succeed")

		// hold the registry busy with a transition stuck in subscribe
		started := make(chan struct{})
		release := make(chan struct{})
		other := conn.TestChannel("other-room")
		other.SubscribeStarted = started
		other.SubscribeRelease = release

		done := make(chan error, 1)
		go func() {
			done <- coord.registry.Join(context.Background(), "other-room", types.MoodChill)
		}()
		<-started

		err = coord.Leave(context.Background())
		assert.ErrorIs(t, err, channel.ErrBusy, "expected leave to be rejected busy")
		repo.AssertNotCalled(t, "DecrementParticipants", "test-room")

		close(release)
		assert.NoError(t, <-done, "expected the blocked transition to complete")

		// the retry releases the slot exactly once
		err = coord.Leave(context.Background())
		assert.NoError(t, err, "expected the retried leave to succeed")
		repo.AssertNumberOfCalls(t, "DecrementParticipants", 1)
		_, _, ok := coord.Current()
		assert.False(t, ok, "expected no session after the retried leave")
	})

	t.Run("proceeds when the decrement fails", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		repo.On("DecrementParticipants", "test-room").Return(0, errors.New("db down"))
		coord, conn := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "test-room", types.MoodChill)
		assert.NoError(t, err, "expected join to succeed")

		err = coord.Leave(context.Background())
		assert.NoError(t, err, "expected leave to proceed past the counter failure")
		assert.False(t, conn.TestChannel("test-room").Subscribed(), "expected channel to be unsubscribed")
	})
}

func Test_Rejoin(t *testing.T) {
	t.Run("re-enters the session room without touching the counter", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 1, 5), nil)
		repo.On("IncrementParticipants", "test-room").Return(2, nil)
		coord, conn := newTestCoordinator(t, repo)

		err := coord.Join(context.Background(), "test-room", types.MoodHype)
		assert.NoError(t, err, "expected join to succeed")

		coord.SetStatus(types.MoodChill)
		coord.registry.Invalidate()

		err = coord.Rejoin(context.Background())
		assert.NoError(t, err, "expected rejoin to succeed")
		repo.AssertNumberOfCalls(t, "IncrementParticipants", 1)

		roomId, status, ok := coord.Current()
		assert.True(t, ok, "expected the session to survive")
		assert.Equal(t, "test-room", roomId, "expected the same room")
		assert.Equal(t, types.MoodChill, status, "expected the saved status to be restored")
		tracked := conn.TestChannel("test-room").Tracked()
		assert.Lenf(t, tracked, 2, "expected a fresh track on rejoin, got %d", len(tracked))
		assert.JSONEq(t, `{"user_id":"testuser","mood":"chill"}`, string(tracked[1]), "expected rejoin to declare the saved status")
	})

	t.Run("no-op without a session", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		coord, _ := newTestCoordinator(t, repo)

		err := coord.Rejoin(context.Background())
		assert.NoError(t, err, "expected rejoin with no session to be a no-op")
	})
}

func Test_CreateRoom(t *testing.T) {
	repo := &database.MockRoomRepository{}
	repo.On("CreateRoom", mock.MatchedBy(func(params database.CreateRoomParams) bool {
		return params.Name == "Test Room" && params.MaxParticipants == 8 && params.ExternalId != ""
	})).Return(testRoom("generated-id", 0, 8), nil)
	coord, _ := newTestCoordinator(t, repo)

	room, err := coord.CreateRoom("Test Room", "a test room", 8, false, 1)
	assert.NoError(t, err, "expected create to succeed")
	assert.Equal(t, "generated-id", room.ExternalId, "expected the persisted record back")
	repo.AssertExpectations(t)
}

func Test_GetRoom(t *testing.T) {
	t.Run("returns the persisted record", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "test-room").Return(testRoom("test-room", 3, 5), nil)
		coord, _ := newTestCoordinator(t, repo)

		room, err := coord.GetRoom("test-room")
		assert.NoError(t, err, "expected get to succeed")
		assert.Equal(t, 3, room.Participants, "expected the advisory counter to be carried through")
	})

	t.Run("room not found", func(t *testing.T) {
		repo := &database.MockRoomRepository{}
		repo.On("GetRoomByExternalId", "missing-room").Return(database.Room{}, sql.ErrNoRows)
		coord, _ := newTestCoordinator(t, repo)

		_, err := coord.GetRoom("missing-room")
		assert.ErrorIs(t, err, ErrRoomNotFound, "expected room not found error")
	})
}
