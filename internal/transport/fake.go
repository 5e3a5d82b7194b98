package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeConn is an in-memory Conn used in tests. Failures are injected
// by queueing errors; presence and broadcast traffic is driven through
// the Emit helpers on FakeChannel.
type FakeConn struct {
	UserId string

	mu           sync.Mutex
	connected    bool
	connectErrs  []error
	connectCalls int
	channels     map[string]*FakeChannel
	onDisconnect []func(error)
}

func NewFakeConn(userId string) *FakeConn {
	return &FakeConn{
		UserId:   userId,
		channels: make(map[string]*FakeChannel),
	}
}

// FailConnect queues errs to be returned by the next Connect calls.
func (c *FakeConn) FailConnect(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrs = append(c.connectErrs, errs...)
}

func (c *FakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectCalls++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return err
	}

	c.connected = true
	for _, ch := range c.channels {
		// snapshots and handler registrations from a previous
		// connection are stale
		ch.reset()
	}
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *FakeConn) Channel(name string) Channel {
	return c.channel(name)
}

// TestChannel returns the concrete fake channel for test assertions.
func (c *FakeConn) TestChannel(name string) *FakeChannel {
	return c.channel(name)
}

func (c *FakeConn) channel(name string) *FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		return ch
	}

	ch := &FakeChannel{
		topic:  name,
		userId: c.UserId,
		state:  make(map[string]Meta),
		bcast:  make(map[string][]func(Message)),
	}
	c.channels[name] = ch
	return ch
}

func (c *FakeConn) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *FakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeConn) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

// Drop simulates a transport-initiated connection loss.
func (c *FakeConn) Drop(err error) {
	c.mu.Lock()
	c.connected = false
	callbacks := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

// FakeChannel mimics the realtime service's channel behavior: Track
// updates the presence snapshot and echoes a join notification, the
// way a real server rebroadcasts tracked state.
type FakeChannel struct {
	topic  string
	userId string

	SubscribeErr   error
	UnsubscribeErr error
	TrackErr       error
	BroadcastErr   error

	// SubscribeStarted, when set before use, is closed once Subscribe
	// begins. SubscribeRelease, when set, blocks Subscribe until the
	// test closes it.
	SubscribeStarted chan struct{}
	SubscribeRelease chan struct{}

	mu         sync.Mutex
	subscribed bool
	tracked    []json.RawMessage
	broadcasts []Message
	state      map[string]Meta
	syncFns    []func()
	joinFns    []func(string)
	leaveFns   []func(string)
	bcast      map[string][]func(Message)
}

func (ch *FakeChannel) Topic() string { return ch.topic }

func (ch *FakeChannel) Subscribe(ctx context.Context) error {
	if ch.SubscribeErr != nil {
		return ch.SubscribeErr
	}
	if ch.SubscribeStarted != nil {
		close(ch.SubscribeStarted)
		ch.SubscribeStarted = nil
	}
	if ch.SubscribeRelease != nil {
		<-ch.SubscribeRelease
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribed = true
	return nil
}

func (ch *FakeChannel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	ch.subscribed = false
	ch.mu.Unlock()
	ch.reset()
	return ch.UnsubscribeErr
}

// reset mimics the websocket channel: unsubscribing (or a reconnect)
// drops the snapshot and every callback registration, so a rejoined
// channel never double-delivers.
func (ch *FakeChannel) reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.state = make(map[string]Meta)
	ch.syncFns = nil
	ch.joinFns = nil
	ch.leaveFns = nil
	ch.bcast = make(map[string][]func(Message))
}

func (ch *FakeChannel) Track(ctx context.Context, payload json.RawMessage) error {
	if ch.TrackErr != nil {
		return ch.TrackErr
	}
	ch.mu.Lock()
	ch.tracked = append(ch.tracked, payload)
	ch.state[ch.userId] = Meta{Payload: payload, UpdatedAt: Now()}
	ch.mu.Unlock()

	ch.EmitJoin(ch.userId, payload)
	return nil
}

func (ch *FakeChannel) Untrack(ctx context.Context) error {
	ch.mu.Lock()
	delete(ch.state, ch.userId)
	ch.mu.Unlock()

	ch.EmitLeave(ch.userId)
	return nil
}

func (ch *FakeChannel) Broadcast(ctx context.Context, eventType string, payload json.RawMessage) error {
	if ch.BroadcastErr != nil {
		return ch.BroadcastErr
	}

	msg := Message{
		Topic:     ch.topic,
		Event:     EventBroadcast,
		Type:      eventType,
		Payload:   payload,
		Sender:    ch.userId,
		Timestamp: Now(),
	}
	ch.mu.Lock()
	ch.broadcasts = append(ch.broadcasts, msg)
	ch.mu.Unlock()
	return nil
}

func (ch *FakeChannel) PresenceState() map[string]Meta {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	state := make(map[string]Meta, len(ch.state))
	for id, meta := range ch.state {
		state[id] = meta
	}
	return state
}

func (ch *FakeChannel) OnSync(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncFns = append(ch.syncFns, fn)
}

func (ch *FakeChannel) OnJoin(fn func(string)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.joinFns = append(ch.joinFns, fn)
}

func (ch *FakeChannel) OnLeave(fn func(string)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.leaveFns = append(ch.leaveFns, fn)
}

func (ch *FakeChannel) OnBroadcast(eventType string, fn func(Message)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bcast[eventType] = append(ch.bcast[eventType], fn)
}

func (ch *FakeChannel) Subscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.subscribed
}

func (ch *FakeChannel) Tracked() []json.RawMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]json.RawMessage{}, ch.tracked...)
}

func (ch *FakeChannel) Broadcasts() []Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Message{}, ch.broadcasts...)
}

// EmitSync replaces the presence snapshot and fires sync handlers.
func (ch *FakeChannel) EmitSync(state map[string]json.RawMessage) {
	ch.mu.Lock()
	ch.state = make(map[string]Meta, len(state))
	for id, payload := range state {
		ch.state[id] = Meta{Payload: payload, UpdatedAt: Now()}
	}
	fns := append([]func(){}, ch.syncFns...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// EmitJoin adds a user to the snapshot and fires join handlers.
func (ch *FakeChannel) EmitJoin(userId string, payload json.RawMessage) {
	ch.mu.Lock()
	ch.state[userId] = Meta{Payload: payload, UpdatedAt: Now()}
	fns := append([]func(string){}, ch.joinFns...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(userId)
	}
}

// EmitLeave removes a user from the snapshot and fires leave handlers.
func (ch *FakeChannel) EmitLeave(userId string) {
	ch.mu.Lock()
	delete(ch.state, userId)
	fns := append([]func(string){}, ch.leaveFns...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(userId)
	}
}

// EmitBroadcast delivers an inbound broadcast to registered handlers.
func (ch *FakeChannel) EmitBroadcast(eventType string, payload json.RawMessage, sender string) {
	msg := Message{
		Topic:     ch.topic,
		Event:     EventBroadcast,
		Type:      eventType,
		Payload:   payload,
		Sender:    sender,
		Timestamp: Now(),
	}
	ch.mu.Lock()
	fns := append([]func(Message){}, ch.bcast[eventType]...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
