package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	callTimeout    = 10 * time.Second
	tokenTTL       = time.Hour
)

var ErrNotConnected = errors.New("transport: not connected")

// WSConn is the websocket implementation of Conn. One read and one
// write goroutine run per connection; outbound messages are queued on a
// buffered channel and dropped with a log line when the queue is full.
type WSConn struct {
	rawURL     string
	signingKey []byte
	userId     string
	log        *log.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	closing      bool
	send         chan *Message
	stop         chan struct{}
	lastRef      int
	pending      map[int]chan Reply
	channels     map[string]*wsChannel
	onDisconnect []func(error)
}

func NewWSConn(rawURL string, signingKey []byte, userId string, logger *log.Logger) *WSConn {
	return &WSConn{
		rawURL:     rawURL,
		signingKey: signingKey,
		userId:     userId,
		log:        logger,
		pending:    make(map[int]chan Reply),
		channels:   make(map[string]*wsChannel),
	}
}

func (c *WSConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("transport: already connected")
	}
	c.mu.Unlock()

	token, err := c.accessToken()
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	u, err := url.Parse(c.rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = ws
	c.connected = true
	c.closing = false
	c.send = make(chan *Message, 256)
	c.stop = make(chan struct{})
	for _, ch := range c.channels {
		// presence snapshots and callback registrations from a
		// previous connection are stale
		ch.reset()
	}
	c.mu.Unlock()

	go c.readPump(ws)
	go c.writePump(ws)

	return nil
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.teardown(nil)
	return nil
}

func (c *WSConn) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *WSConn) Channel(name string) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		return ch
	}

	ch := &wsChannel{
		topic: name,
		conn:  c,
		state: make(map[string]Meta),
		bcast: make(map[string][]func(Message)),
	}
	c.channels[name] = ch
	return ch
}

func (c *WSConn) accessToken() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": c.userId,
		"exp":     time.Now().Add(tokenTTL).Unix(),
	})
	return token.SignedString(c.signingKey)
}

func (c *WSConn) readPump(ws *websocket.Conn) {
	defer c.log.Println("transport: read exiting")

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("transport: read: %v", err)
			}
			c.teardown(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("transport: parse message:", err)
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *WSConn) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
		c.log.Println("transport: write exiting")
	}()

	c.mu.Lock()
	send, stop := c.send, c.stop
	c.mu.Unlock()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				c.log.Printf("transport: write message: %s", err)
				return
			}
		case <-stop:
			return
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSConn) dispatch(msg *Message) {
	switch msg.Event {
	case EventReply:
		var reply Reply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.log.Println("transport: parse reply:", err)
			return
		}
		c.mu.Lock()
		replyCh, ok := c.pending[msg.Ref]
		delete(c.pending, msg.Ref)
		c.mu.Unlock()
		if ok {
			replyCh <- reply
		}
	case EventSync:
		ch := c.lookup(msg.Topic)
		if ch == nil {
			return
		}
		var state map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			c.log.Println("transport: parse sync:", err)
			state = nil
		}
		ch.applySync(state, msg.Timestamp)
	case EventJoin, EventLeave:
		ch := c.lookup(msg.Topic)
		if ch == nil {
			return
		}
		var diff presenceDiff
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			c.log.Println("transport: parse presence diff:", err)
			return
		}
		if msg.Event == EventJoin {
			ch.applyJoin(diff, msg.Timestamp)
		} else {
			ch.applyLeave(diff)
		}
	case EventBroadcast:
		ch := c.lookup(msg.Topic)
		if ch == nil {
			return
		}
		ch.applyBroadcast(*msg)
	default:
		c.log.Printf("transport: unknown event %q on topic %q", msg.Event, msg.Topic)
	}
}

func (c *WSConn) lookup(topic string) *wsChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

// call sends msg and waits for the ref-correlated reply.
func (c *WSConn) call(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.lastRef++
	msg.Ref = c.lastRef
	replyCh := make(chan Reply, 1)
	c.pending[msg.Ref] = replyCh
	send := c.send
	c.mu.Unlock()

	select {
	case send <- msg:
	default:
		c.dropPending(msg.Ref)
		return fmt.Errorf("transport: send buffer full")
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return ErrNotConnected
		}
		if reply.Status >= 400 {
			return fmt.Errorf("transport: %s (status %d)", reply.Error, reply.Status)
		}
		return nil
	case <-time.After(callTimeout):
		c.dropPending(msg.Ref)
		return fmt.Errorf("transport: %s %s: timed out", msg.Event, msg.Topic)
	case <-ctx.Done():
		c.dropPending(msg.Ref)
		return ctx.Err()
	}
}

func (c *WSConn) dropPending(ref int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, ref)
}

func (c *WSConn) teardown(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.stop)
	c.conn.Close()
	for ref, replyCh := range c.pending {
		close(replyCh)
		delete(c.pending, ref)
	}
	wasClosing := c.closing
	callbacks := make([]func(error), len(c.onDisconnect))
	copy(callbacks, c.onDisconnect)
	c.mu.Unlock()

	if !wasClosing {
		for _, fn := range callbacks {
			fn(err)
		}
	}
}

// wsChannel is one room-scoped subscription over a WSConn. It caches
// the last presence snapshot so sync, join and leave handlers can read
// the full authoritative state.
type wsChannel struct {
	topic string
	conn  *WSConn

	mu       sync.RWMutex
	state    map[string]Meta
	syncFns  []func()
	joinFns  []func(string)
	leaveFns []func(string)
	bcast    map[string][]func(Message)
}

func (ch *wsChannel) Topic() string { return ch.topic }

func (ch *wsChannel) Subscribe(ctx context.Context) error {
	return ch.conn.call(ctx, newMessage(ch.topic, EventSubscribe, nil))
}

func (ch *wsChannel) Unsubscribe(ctx context.Context) error {
	err := ch.conn.call(ctx, newMessage(ch.topic, EventUnsubscribe, nil))
	ch.reset()
	return err
}

func (ch *wsChannel) Track(ctx context.Context, payload json.RawMessage) error {
	return ch.conn.call(ctx, newMessage(ch.topic, EventTrack, payload))
}

func (ch *wsChannel) Untrack(ctx context.Context) error {
	return ch.conn.call(ctx, newMessage(ch.topic, EventUntrack, nil))
}

func (ch *wsChannel) Broadcast(ctx context.Context, eventType string, payload json.RawMessage) error {
	msg := newMessage(ch.topic, EventBroadcast, payload)
	msg.Type = eventType
	msg.Sender = ch.conn.userId
	return ch.conn.call(ctx, msg)
}

func (ch *wsChannel) PresenceState() map[string]Meta {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	state := make(map[string]Meta, len(ch.state))
	for id, meta := range ch.state {
		state[id] = meta
	}
	return state
}

func (ch *wsChannel) OnSync(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncFns = append(ch.syncFns, fn)
}

func (ch *wsChannel) OnJoin(fn func(string)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.joinFns = append(ch.joinFns, fn)
}

func (ch *wsChannel) OnLeave(fn func(string)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.leaveFns = append(ch.leaveFns, fn)
}

func (ch *wsChannel) OnBroadcast(eventType string, fn func(Message)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bcast[eventType] = append(ch.bcast[eventType], fn)
}

// reset drops the cached snapshot and all callback registrations.
// Channel handles outlive subscriptions, so a reused channel would
// otherwise accumulate one handler set per join and double-deliver
// every event. Handlers are re-registered on the next subscribe.
func (ch *wsChannel) reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.state = make(map[string]Meta)
	ch.syncFns = nil
	ch.joinFns = nil
	ch.leaveFns = nil
	ch.bcast = make(map[string][]func(Message))
}

func (ch *wsChannel) applySync(state map[string]json.RawMessage, ts time.Time) {
	ch.mu.Lock()
	ch.state = make(map[string]Meta, len(state))
	for id, payload := range state {
		ch.state[id] = Meta{Payload: payload, UpdatedAt: ts}
	}
	fns := append([]func(){}, ch.syncFns...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (ch *wsChannel) applyJoin(diff presenceDiff, ts time.Time) {
	ch.mu.Lock()
	ch.state[diff.UserId] = Meta{Payload: diff.Payload, UpdatedAt: ts}
	fns := append([]func(string){}, ch.joinFns...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(diff.UserId)
	}
}

func (ch *wsChannel) applyLeave(diff presenceDiff) {
	ch.mu.Lock()
	delete(ch.state, diff.UserId)
	fns := append([]func(string){}, ch.leaveFns...)
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(diff.UserId)
	}
}

func (ch *wsChannel) applyBroadcast(msg Message) {
	ch.mu.RLock()
	fns := append([]func(Message){}, ch.bcast[msg.Type]...)
	ch.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
