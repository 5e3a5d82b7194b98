// Package connection owns the lifecycle of the realtime transport:
// connect, reconnect with backoff, heartbeats and connectivity-state
// publishing.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/moodrooms/roomsync/internal/transport"
)

// State is the process-wide connectivity state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange is delivered to every subscribed listener on each
// transition, in registration order.
type StateChange struct {
	Old State
	New State
	Err error
}

// ErrTransportUnavailable indicates no connection is currently up and a
// retry loop is in progress. Callers should watch the state stream
// rather than retry blindly.
var ErrTransportUnavailable = errors.New("connection: transport unavailable")

// HeartbeatEvent is the broadcast type of the periodic keep-alive.
const HeartbeatEvent = "heartbeat"

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

type Options struct {
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	DialTimeout       time.Duration
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

// Manager is the single source of truth for transport connectivity.
// Connection failures are retried until an explicit Disconnect; they
// are never fatal.
type Manager struct {
	conn transport.Conn
	log  *log.Logger
	opts Options

	mu          sync.Mutex
	state       State
	epoch       uint64
	listeners   []func(StateChange)
	retryCancel context.CancelFunc
	hbCancel    context.CancelFunc
	active      func() transport.Channel
	leaver      func(ctx context.Context)
}

func NewManager(conn transport.Conn, logger *log.Logger, opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		conn:  conn,
		log:   logger,
		opts:  opts,
		state: StateDisconnected,
	}
	conn.OnDisconnect(m.handleConnLoss)
	return m
}

// OnStateChange registers a listener for every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetActiveChannelFunc provides the lookup the heartbeat uses to find
// the currently active room channel, if any.
func (m *Manager) SetActiveChannelFunc(fn func() transport.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = fn
}

// SetLeaveFunc provides the best-effort room leave run on Disconnect.
func (m *Manager) SetLeaveFunc(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaver = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the transport. A no-op when already Connected or
// Connecting. On failure the manager enters Error, schedules a retry
// loop and returns ErrTransportUnavailable.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	// a manual connect supersedes any scheduled retry; without this an
	// orphan retry loop would re-dial an already-open transport
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	m.setState(StateConnecting, nil)
	if err := m.attempt(ctx, epoch); err != nil {
		m.setState(StateError, err)
		m.scheduleRetry(epoch, 1)
		return fmt.Errorf("%w: %s", ErrTransportUnavailable, err)
	}

	return nil
}

// EnsureConnected succeeds only if the transport is up by the time it
// returns; otherwise the retry machinery keeps running in the
// background and ErrTransportUnavailable is returned.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.State() == StateConnected {
		return nil
	}
	if err := m.Connect(ctx); err != nil {
		return err
	}
	if m.State() != StateConnected {
		return ErrTransportUnavailable
	}
	return nil
}

// Disconnect cancels any pending retry and heartbeat, best-effort
// leaves the active room, closes the transport and transitions to
// Disconnected. In-flight attempts from earlier epochs are discarded.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
	leaver := m.leaver
	wasConnected := m.state == StateConnected
	m.mu.Unlock()

	if wasConnected && leaver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
		leaver(ctx)
		cancel()
	}

	if err := m.conn.Close(); err != nil {
		m.log.Println("connection: close:", err)
	}
	m.setState(StateDisconnected, nil)
}

func (m *Manager) attempt(ctx context.Context, epoch uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	if err := m.conn.Connect(dialCtx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		// the session was torn down while this attempt was in flight
		m.conn.Close()
		return errors.New("connection: attempt superseded")
	}
	m.mu.Unlock()

	m.setState(StateConnected, nil)
	m.startHeartbeat()
	return nil
}

func (m *Manager) scheduleRetry(epoch uint64, attempt int) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if m.retryCancel != nil {
		m.retryCancel()
	}
	m.retryCancel = cancel
	m.mu.Unlock()

	go m.retryLoop(ctx, epoch, attempt)
}

func (m *Manager) retryLoop(ctx context.Context, epoch uint64, attempt int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff(attempt)):
		}

		if m.stale(epoch) {
			return
		}
		if m.State() == StateConnected {
			// a manual connect won while this loop was waiting
			return
		}

		m.setState(StateConnecting, nil)
		if err := m.attempt(ctx, epoch); err != nil {
			if m.stale(epoch) {
				return
			}
			m.log.Printf("connection: attempt %d: %v", attempt, err)
			m.setState(StateError, err)
			attempt++
			continue
		}
		return
	}
}

// backoff returns min(attempt*base, cap).
func (m *Manager) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * m.opts.BackoffBase
	if d > m.opts.BackoffCap {
		d = m.opts.BackoffCap
	}
	return d
}

func (m *Manager) stale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch != epoch
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	if m.hbCancel != nil {
		m.hbCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.hbCancel = cancel
	m.mu.Unlock()

	go m.heartbeatLoop(ctx)
}

// heartbeatLoop emits a keep-alive on the active room channel. Send
// failures are logged and ignored; reconnects are transport-initiated.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			active := m.active
			m.mu.Unlock()
			if active == nil {
				continue
			}
			ch := active()
			if ch == nil {
				continue
			}

			payload, _ := json.Marshal(map[string]any{"at": time.Now().UTC()})
			sendCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
			if err := ch.Broadcast(sendCtx, HeartbeatEvent, payload); err != nil {
				m.log.Println("connection: heartbeat:", err)
			}
			cancel()
		}
	}
}

func (m *Manager) handleConnLoss(err error) {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
	m.mu.Unlock()

	m.log.Println("connection: lost:", err)
	m.setState(StateDisconnected, err)
	m.scheduleRetry(epoch, 1)
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	change := StateChange{Old: m.state, New: state, Err: err}
	m.state = state
	listeners := append([]func(StateChange){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}
