// Package channel owns the push channel: one long-lived connection per session that joins chat
// rooms, emits outgoing messages and delivers incoming ones to a single handler.
package channel

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("channel: not connected")
	ErrHandlerInstalled = errors.New("channel: inbound handler already installed")
	ErrSendQueueFull    = errors.New("channel: send queue full")
	// ErrMalformedFrame is returned by Conn.ReadFrame for a frame that could not be decoded. The
	// connection stays usable.
	ErrMalformedFrame = errors.New("channel: malformed frame")
)

// Conn is one transport-level connection. WriteFrame is never called concurrently; Close may be
// called at any time and must unblock ReadFrame.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler receives every "message to client" event, in arrival order.
type Handler func(msg chat.Message)

type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	QueueSize       int
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = o.InitialInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	return o
}

// Connection is the push channel state machine:
// Disconnected -> Connecting -> Connected -> (Reconnecting) -> Connected | Disconnected.
//
// The room set is the union of every Subscribe call since the last Disconnect. It is joined
// again after each reconnect, before queued sends are flushed and new sends are accepted.
type Connection struct {
	transport Transport
	opts      Options

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64
	cancel     context.CancelFunc
	rooms      map[int64]struct{}
	roomsDirty bool
	queue      []chat.Message
	handler    Handler
	onState    []func(State)
}

func NewConnection(transport Transport, opts Options) *Connection {
	return &Connection{
		transport: transport,
		opts:      opts.withDefaults(),
		rooms:     map[int64]struct{}{},
	}
}

// SetHandler installs the inbound handler. It can be installed once per Connection.
func (c *Connection) SetHandler(h Handler) error {
	if c == nil {
		return errors.New("channel: nil connection")
	}
	if h == nil {
		return errors.New("channel: nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return ErrHandlerInstalled
	}
	c.handler = h
	return nil
}

// OnStateChange registers an observer called outside the lock after each state change.
func (c *Connection) OnStateChange(fn func(State)) {
	if c == nil || fn == nil {
		return
	}
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Connection) State() State {
	if c == nil {
		return Disconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the subscribed room set in ascending order.
func (c *Connection) Rooms() []int64 {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomListLocked()
}

// Queued returns the number of sends waiting for the connection.
func (c *Connection) Queued() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect dials the channel. It is a no-op while Connecting, Connected or Reconnecting. When the
// first dial fails the connection keeps retrying in the background and a chat.ErrChannel error is
// returned. Cancelling ctx before the first dial completes leaves the channel Disconnected.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return errors.New("channel: no transport")
	}
	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.gen++
	g := c.gen
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()
	c.emitState(Connecting)

	conn, err := c.transport.Dial(ctx)
	if err == nil {
		if err = c.attach(runCtx, g, conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrNotConnected) {
				return err
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(g)
			return chat.ChannelError(err, "connect")
		}
		if !c.markReconnecting(g, nil) {
			return ErrNotConnected
		}
		log.Warn().Err(err).Str("component", "channel").Msg("initial connect failed, retrying in background")
		go c.reconnect(runCtx, g)
		return chat.ChannelError(err, "connect")
	}
	return nil
}

// Subscribe adds chat rooms to the room set. Rooms are joined immediately when connected and on
// every (re)connect otherwise.
func (c *Connection) Subscribe(chatIDs []int64) error {
	if c == nil {
		return errors.New("channel: nil connection")
	}
	c.mu.Lock()
	added := false
	for _, id := range chatIDs {
		if id <= 0 {
			continue
		}
		if _, ok := c.rooms[id]; !ok {
			c.rooms[id] = struct{}{}
			added = true
		}
	}
	if !added {
		c.mu.Unlock()
		return nil
	}
	if c.state != Connected || c.conn == nil {
		c.roomsDirty = true
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	rooms := c.roomListLocked()
	c.mu.Unlock()

	if err := c.join(conn, rooms); err != nil {
		log.Warn().Err(err).Str("component", "channel").Msg("join failed, dropping connection")
		_ = conn.Close()
		c.mu.Lock()
		c.roomsDirty = true
		c.mu.Unlock()
	}
	return nil
}

// Send emits a message to the server. There is no acknowledgment beyond the eventual echo.
// While Connecting or Reconnecting the message is queued; while Disconnected it fails with
// ErrNotConnected.
func (c *Connection) Send(msg chat.Message) error {
	if c == nil {
		return errors.New("channel: nil connection")
	}
	if err := chat.ValidateMessage(msg); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case Disconnected:
		c.mu.Unlock()
		return ErrNotConnected
	case Connected:
		conn := c.conn
		g := c.gen
		c.mu.Unlock()
		if err := c.write(conn, EventMessageToServer, msg); err != nil {
			log.Warn().Err(err).Str("component", "channel").Int64("chat_id", msg.ChatID).Msg("send failed, queueing for reconnect")
			c.mu.Lock()
			live := c.gen == g
			if live {
				c.queue = append(c.queue, msg)
			}
			c.mu.Unlock()
			_ = conn.Close()
			if !live {
				return ErrNotConnected
			}
		}
		return nil
	default:
		defer c.mu.Unlock()
		if len(c.queue) >= c.opts.QueueSize {
			return ErrSendQueueFull
		}
		c.queue = append(c.queue, msg)
		return nil
	}
}

// Disconnect closes the channel and stops reconnecting. The room set and queued sends are
// forgotten. It is idempotent.
func (c *Connection) Disconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.state == Disconnected && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.rooms = map[int64]struct{}{}
	c.roomsDirty = false
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if dropped > 0 {
		log.Debug().Str("component", "channel").Int("dropped", dropped).Msg("discarded queued sends")
	}
	log.Info().Str("component", "channel").Msg("disconnected")
	c.emitState(Disconnected)
}

// abandon returns a connection whose first dial was cancelled to Disconnected.
func (c *Connection) abandon(g uint64) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Disconnected
	c.mu.Unlock()
	log.Debug().Str("component", "channel").Msg("connect cancelled")
	c.emitState(Disconnected)
}

// attach installs a fresh transport connection: it joins the room set, flushes the send queue
// and only then enters Connected.
func (c *Connection) attach(runCtx context.Context, g uint64, conn Conn) error {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.roomsDirty = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.gen != g {
			c.mu.Unlock()
			_ = conn.Close()
			return ErrNotConnected
		}
		var rooms []int64
		if c.roomsDirty {
			rooms = c.roomListLocked()
			c.roomsDirty = false
		}
		pending := c.queue
		c.queue = nil
		if len(rooms) == 0 && len(pending) == 0 {
			c.state = Connected
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		if len(rooms) > 0 {
			if err := c.join(conn, rooms); err != nil {
				c.requeue(pending, true)
				return err
			}
		}
		for i, msg := range pending {
			if err := c.write(conn, EventMessageToServer, msg); err != nil {
				c.requeue(pending[i:], false)
				return err
			}
		}
	}

	log.Info().Str("component", "channel").Msg("connected")
	c.emitState(Connected)
	go c.readLoop(runCtx, g, conn)
	return nil
}

func (c *Connection) requeue(msgs []chat.Message, roomsDirty bool) {
	c.mu.Lock()
	c.queue = append(append([]chat.Message(nil), msgs...), c.queue...)
	if roomsDirty {
		c.roomsDirty = true
	}
	c.mu.Unlock()
}

func (c *Connection) readLoop(runCtx context.Context, g uint64, conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if errors.Is(err, ErrMalformedFrame) {
			log.Warn().Err(err).Str("component", "channel").Msg("skipping malformed frame")
			continue
		}
		if err != nil {
			_ = conn.Close()
			if !c.markReconnecting(g, conn) {
				return
			}
			log.Warn().Err(chat.ChannelError(err, "read")).Str("component", "channel").Msg("connection dropped, reconnecting")
			c.reconnect(runCtx, g)
			return
		}
		c.dispatch(f)
	}
}

func (c *Connection) dispatch(f Frame) {
	switch f.Event {
	case EventMessageToClient:
		msg, err := DecodeMessage(f)
		if err != nil {
			log.Warn().Err(err).Str("component", "channel").Msg("dropping invalid inbound message")
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			log.Debug().Str("component", "channel").Int64("chat_id", msg.ChatID).Msg("no handler installed, inbound message dropped")
			return
		}
		h(msg)
	default:
		log.Debug().Str("component", "channel").Str("event", f.Event).Msg("ignoring event")
	}
}

// markReconnecting moves a live session into Reconnecting. It reports false when the session was
// ended (or the connection replaced) in the meantime.
func (c *Connection) markReconnecting(g uint64, conn Conn) bool {
	c.mu.Lock()
	if c.gen != g || (conn != nil && c.conn != conn) {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.state = Reconnecting
	c.mu.Unlock()
	c.emitState(Reconnecting)
	return true
}

func (c *Connection) reconnect(runCtx context.Context, g uint64) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, runCtx)

	attempt := 0
	op := func() error {
		if c.stale(g) {
			return backoff.Permanent(ErrNotConnected)
		}
		attempt++
		conn, err := c.transport.Dial(runCtx)
		if err != nil {
			return err
		}
		if err := c.attach(runCtx, g, conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrNotConnected) {
				return backoff.Permanent(err)
			}
			c.mu.Lock()
			if c.gen == g {
				c.conn = nil
			}
			c.mu.Unlock()
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("component", "channel").Int("attempt", attempt).Dur("retry_in", wait).Msg("reconnect failed")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		log.Debug().Err(err).Str("component", "channel").Msg("reconnect loop stopped")
		return
	}
	log.Info().Str("component", "channel").Int("attempts", attempt).Msg("reconnected")
}

func (c *Connection) stale(g uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != g
}

func (c *Connection) join(conn Conn, rooms []int64) error {
	log.Debug().Str("component", "channel").Ints64("rooms", rooms).Msg("joining rooms")
	return c.write(conn, EventJoin, rooms)
}

func (c *Connection) write(conn Conn, event string, payload any) error {
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteFrame(f); err != nil {
		return chat.ChannelError(err, "write "+event)
	}
	return nil
}

func (c *Connection) roomListLocked() []int64 {
	out := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *Connection) emitState(s State) {
	c.mu.Lock()
	observers := slices.Clone(c.onState)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}
