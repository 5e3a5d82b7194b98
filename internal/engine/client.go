// Package engine exposes the application-facing surface of the
// realtime presence engine: one Client per process composing the
// connection manager, channel registry, presence tracker, event bus
// and membership coordinator.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/moodrooms/roomsync/internal/channel"
	"github.com/moodrooms/roomsync/internal/connection"
	"github.com/moodrooms/roomsync/internal/database"
	"github.com/moodrooms/roomsync/internal/events"
	"github.com/moodrooms/roomsync/internal/presence"
	"github.com/moodrooms/roomsync/internal/rooms"
	"github.com/moodrooms/roomsync/internal/stats"
	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

const rejoinTimeout = 15 * time.Second

type Options struct {
	// AutoRejoin restores the previously active room after a
	// reconnect. When off, the UI must re-issue JoinRoom itself.
	AutoRejoin bool
	Connection connection.Options
}

func DefaultOptions() Options {
	return Options{AutoRejoin: true}
}

type Client struct {
	log   *log.Logger
	stats stats.StatsProvider
	opts  Options

	manager  *connection.Manager
	registry *channel.Registry
	tracker  *presence.Tracker
	bus      *events.Bus
	coord    *rooms.Coordinator

	mu            sync.Mutex
	pendingRejoin bool
}

func NewClient(conn transport.Conn, repo database.RoomRepository, st stats.StatsProvider, logger *log.Logger, userId string, opts Options) *Client {
	manager := connection.NewManager(conn, logger, opts.Connection)
	registry := channel.NewRegistry(conn, manager, logger, userId)
	tracker := presence.NewTracker(logger, userId)
	bus := events.NewBus(logger, registry)
	coord := rooms.NewCoordinator(repo, registry, logger)

	c := &Client{
		log:      logger,
		stats:    st,
		opts:     opts,
		manager:  manager,
		registry: registry,
		tracker:  tracker,
		bus:      bus,
		coord:    coord,
	}

	registry.OnSubscribed(func(ch transport.Channel) {
		tracker.Attach(ch)
		bus.Attach(ch)
	})
	registry.OnUnsubscribed(func() {
		bus.Detach()
		tracker.Detach()
	})
	manager.SetActiveChannelFunc(registry.ActiveChannel)
	manager.SetLeaveFunc(func(ctx context.Context) {
		if err := coord.Leave(ctx); err != nil {
			logger.Println("engine: leave on disconnect:", err)
		}
	})
	manager.OnStateChange(c.handleStateChange)
	tracker.OnChange(func([]types.PresenceEntry) {
		st.Incr(stats.PresenceEvents)
	})

	return c
}

// Connect brings the transport up. On failure the retry loop keeps
// running; progress is reported through the connection state stream.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Close tears the session down: leaves the active room best-effort,
// cancels retries and heartbeats and closes the transport.
func (c *Client) Close() {
	c.manager.Disconnect()
}

func (c *Client) ConnectionState() connection.State {
	return c.manager.State()
}

// OnConnectionChange subscribes to every connectivity transition.
func (c *Client) OnConnectionChange(fn func(connection.StateChange)) {
	c.manager.OnStateChange(fn)
}

// JoinRoom reserves a slot in roomId and starts presence-tracking the
// local user there with the given status.
func (c *Client) JoinRoom(ctx context.Context, roomId string, status types.Mood) error {
	if err := c.coord.Join(ctx, roomId, status); err != nil {
		return err
	}
	c.stats.Incr(stats.RoomJoins)
	return nil
}

// LeaveRoom leaves the active room. A no-op when no room is active.
func (c *Client) LeaveRoom(ctx context.Context) error {
	_, _, active := c.coord.Current()
	if err := c.coord.Leave(ctx); err != nil {
		return err
	}
	if active {
		c.stats.Incr(stats.RoomLeaves)
	}
	return nil
}

// UpdateStatus re-declares the local presence payload with a new mood,
// without a leave/join cycle and without touching the participant
// counter.
func (c *Client) UpdateStatus(ctx context.Context, mood types.Mood) error {
	if err := c.tracker.UpdateMood(ctx, mood); err != nil {
		return err
	}
	c.coord.SetStatus(mood)
	c.registry.SetStatus(mood)
	return nil
}

// PublishEvent broadcasts an ephemeral typed event to the active room.
func (c *Client) PublishEvent(ctx context.Context, eventType string, payload any) error {
	roomId, _, ok := c.coord.Current()
	if !ok {
		return events.ErrNotSubscribed
	}
	if err := c.bus.Publish(ctx, roomId, eventType, payload); err != nil {
		return err
	}
	c.stats.Incr(stats.EventsPublished)
	return nil
}

// OnEvent registers a handler for inbound events of eventType.
func (c *Client) OnEvent(eventType string, fn events.Handler) {
	c.bus.Subscribe(eventType, fn)
}

// OnMembershipChange registers a listener for membership snapshots.
func (c *Client) OnMembershipChange(fn func([]types.PresenceEntry)) {
	c.tracker.OnChange(fn)
}

func (c *Client) UsersByStatus(mood types.Mood) []string {
	return c.tracker.UsersByStatus(mood)
}

func (c *Client) IsPresent(userId string) bool {
	return c.tracker.IsPresent(userId)
}

func (c *Client) StatusOf(userId string) (types.Mood, bool) {
	return c.tracker.StatusOf(userId)
}

func (c *Client) PresenceCount() int {
	return c.tracker.Count()
}

func (c *Client) CurrentRoom() (string, types.Mood, bool) {
	return c.coord.Current()
}

func (c *Client) CreateRoom(name, description string, maxParticipants int, isPrivate bool, ownerId int) (types.Room, error) {
	return c.coord.CreateRoom(name, description, maxParticipants, isPrivate, ownerId)
}

func (c *Client) GetRoom(roomId string) (types.Room, error) {
	return c.coord.GetRoom(roomId)
}

func (c *Client) handleStateChange(sc connection.StateChange) {
	switch {
	case sc.New == connection.StateConnected:
		c.stats.Incr(stats.Connects)

		c.mu.Lock()
		rejoin := c.pendingRejoin && c.opts.AutoRejoin
		c.pendingRejoin = false
		c.mu.Unlock()
		if rejoin {
			go c.rejoin()
		}
	case sc.Old == connection.StateConnected:
		// the subscription died with the connection; membership is
		// stale until the rejoin's sync repopulates it
		if _, _, ok := c.coord.Current(); ok {
			c.mu.Lock()
			c.pendingRejoin = true
			c.mu.Unlock()
		}
		c.registry.Invalidate()
		c.tracker.Clear()
	}
}

func (c *Client) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
	defer cancel()

	c.stats.Incr(stats.Reconnects)
	if err := c.coord.Rejoin(ctx); err != nil {
		c.log.Println("engine: rejoin:", err)
	}
}
