package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type stubConn struct {
	mu        sync.Mutex
	written   []Frame
	inbound   chan Frame
	garbled   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{inbound: make(chan Frame, 16), garbled: make(chan struct{}, 4), closed: make(chan struct{})}
}

func (c *stubConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.garbled:
		return Frame{}, errors.Wrap(ErrMalformedFrame, "invalid character 'x'")
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *stubConn) WriteFrame(f Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

func (c *stubConn) events() []string {
	out := []string{}
	for _, f := range c.frames() {
		out = append(out, f.Event)
	}
	return out
}

func (c *stubConn) joins(t *testing.T) [][]int64 {
	t.Helper()
	var out [][]int64
	for _, f := range c.frames() {
		if f.Event != EventJoin {
			continue
		}
		var rooms []int64
		require.NoError(t, json.Unmarshal(f.Data, &rooms))
		out = append(out, rooms)
	}
	return out
}

type stubTransport struct {
	dials atomic.Int32

	mu       sync.Mutex
	conns    []*stubConn
	failures int
	gate     chan struct{}
}

func (t *stubTransport) Dial(ctx context.Context) (Conn, error) {
	t.dials.Add(1)
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("dial refused")
	}
	c := newStubConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *stubTransport) setGate(gate chan struct{}) {
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()
}

func (t *stubTransport) connCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *stubTransport) conn(i int) *stubConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func fastOptions() Options {
	return Options{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, QueueSize: 4}
}

func textMessage(chatID int64, text string) chat.Message {
	return chat.Message{ChatID: chatID, CreatedBy: 1, Content: chat.Content{Text: text}}
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, time.Millisecond)
}

func TestConnect_SingleFlight(t *testing.T) {
	tr := &stubTransport{}
	gate := make(chan struct{})
	tr.setGate(gate)
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	waitState(t, c, Connecting)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Connect(context.Background()))
	}
	close(gate)
	require.NoError(t, <-done)
	waitState(t, c, Connected)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Connect(context.Background()))
	}
	require.Equal(t, int32(1), tr.dials.Load())
}

func TestSubscribe_JoinedOnConnectAndAfterReconnect(t *testing.T) {
	tr := &stubTransport{}
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Subscribe([]int64{2, 1, 0}))
	require.Equal(t, []int64{1, 2}, c.Rooms())
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, Connected, c.State())
	require.Equal(t, [][]int64{{1, 2}}, tr.conn(0).joins(t))

	require.NoError(t, c.Subscribe([]int64{3}))
	require.Equal(t, [][]int64{{1, 2}, {1, 2, 3}}, tr.conn(0).joins(t))

	// already joined rooms do not produce another frame
	require.NoError(t, c.Subscribe([]int64{1}))
	require.Len(t, tr.conn(0).joins(t), 2)

	_ = tr.conn(0).Close()
	require.Eventually(t, func() bool { return tr.connCount() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, c, Connected)
	require.Equal(t, [][]int64{{1, 2, 3}}, tr.conn(1).joins(t))
}

func TestSend_QueuedWhileReconnectingThenFlushedAfterJoin(t *testing.T) {
	tr := &stubTransport{}
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Subscribe([]int64{7}))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Send(textMessage(7, "live")))
	require.Equal(t, []string{EventJoin, EventMessageToServer}, tr.conn(0).events())

	gate := make(chan struct{})
	tr.setGate(gate)
	_ = tr.conn(0).Close()
	waitState(t, c, Reconnecting)

	require.NoError(t, c.Send(textMessage(7, "queued-1")))
	require.NoError(t, c.Send(textMessage(7, "queued-2")))
	require.Equal(t, 2, c.Queued())

	close(gate)
	waitState(t, c, Connected)
	require.Equal(t, 0, c.Queued())

	frames := tr.conn(1).frames()
	require.Len(t, frames, 3)
	require.Equal(t, EventJoin, frames[0].Event)
	var first, second chat.Message
	require.NoError(t, json.Unmarshal(frames[1].Data, &first))
	require.NoError(t, json.Unmarshal(frames[2].Data, &second))
	require.Equal(t, "queued-1", first.Content.Text)
	require.Equal(t, "queued-2", second.Content.Text)
}

func TestSend_QueueBound(t *testing.T) {
	tr := &stubTransport{}
	gate := make(chan struct{})
	tr.setGate(gate)
	opts := fastOptions()
	opts.QueueSize = 1
	c := NewConnection(tr, opts)
	t.Cleanup(func() {
		close(gate)
		c.Disconnect()
	})

	go func() { _ = c.Connect(context.Background()) }()
	waitState(t, c, Connecting)

	require.NoError(t, c.Send(textMessage(1, "a")))
	require.ErrorIs(t, c.Send(textMessage(1, "b")), ErrSendQueueFull)
}

func TestSend_Disconnected(t *testing.T) {
	c := NewConnection(&stubTransport{}, fastOptions())
	require.ErrorIs(t, c.Send(textMessage(1, "x")), ErrNotConnected)
	require.Error(t, c.Send(chat.Message{ChatID: 1, CreatedBy: 1}))
}

func TestInboundHandler(t *testing.T) {
	tr := &stubTransport{}
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	got := make(chan chat.Message, 4)
	require.NoError(t, c.SetHandler(func(m chat.Message) { got <- m }))
	require.ErrorIs(t, c.SetHandler(func(chat.Message) {}), ErrHandlerInstalled)

	require.NoError(t, c.Connect(context.Background()))
	conn := tr.conn(0)

	bad, err := NewFrame(EventMessageToClient, chat.Message{ChatID: 1, CreatedBy: 2, Content: chat.Content{Text: "no id"}})
	require.NoError(t, err)
	other, err := NewFrame("typing", map[string]int{"chat_id": 1})
	require.NoError(t, err)
	good, err := NewFrame(EventMessageToClient, chat.Message{ID: 9, ChatID: 5, CreatedBy: 2, Content: chat.Content{Text: "hello"}})
	require.NoError(t, err)
	conn.inbound <- bad
	conn.inbound <- other
	conn.inbound <- good

	select {
	case m := <-got:
		require.Equal(t, int64(9), m.ID)
		require.Equal(t, int64(5), m.ChatID)
		require.Equal(t, chat.Confirmed, m.State)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	require.Len(t, got, 0)
}

func TestReadLoop_MalformedFrameKeepsConnection(t *testing.T) {
	tr := &stubTransport{}
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	got := make(chan chat.Message, 1)
	require.NoError(t, c.SetHandler(func(m chat.Message) { got <- m }))
	require.NoError(t, c.Connect(context.Background()))
	conn := tr.conn(0)

	good, err := NewFrame(EventMessageToClient, chat.Message{ID: 3, ChatID: 1, CreatedBy: 2, Content: chat.Content{Text: "after"}})
	require.NoError(t, err)
	conn.garbled <- struct{}{}
	conn.inbound <- good

	select {
	case m := <-got:
		require.Equal(t, "after", m.Content.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("frame after a malformed one was not delivered")
	}
	require.Equal(t, Connected, c.State())
	require.Equal(t, int32(1), tr.dials.Load())
	require.Equal(t, 1, tr.connCount())
}

func TestConnect_CancelledFirstDialStaysDisconnected(t *testing.T) {
	tr := &stubTransport{}
	tr.setGate(make(chan struct{}))
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx) }()
	waitState(t, c, Connecting)

	cancel()
	require.ErrorIs(t, <-done, chat.ErrChannel)
	require.Equal(t, Disconnected, c.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), tr.dials.Load())
	require.Equal(t, Disconnected, c.State())

	require.ErrorIs(t, c.Connect(ctx), context.Canceled)
	require.Equal(t, int32(1), tr.dials.Load())

	tr.setGate(nil)
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, Connected, c.State())
}

func TestConnect_InitialDialFailureRetries(t *testing.T) {
	tr := &stubTransport{failures: 2}
	c := NewConnection(tr, fastOptions())
	t.Cleanup(c.Disconnect)

	var states []State
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, chat.ErrChannel)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, Connected, c.State())
	require.Equal(t, int32(3), tr.dials.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{Connecting, Reconnecting, Connected}, states)
}

func TestDisconnect_StopsReconnectAndForgetsRooms(t *testing.T) {
	tr := &stubTransport{}
	c := NewConnection(tr, fastOptions())

	require.NoError(t, c.Subscribe([]int64{1}))
	require.NoError(t, c.Connect(context.Background()))

	// the reconnect dial blocks until the connection is torn down
	tr.setGate(make(chan struct{}))
	_ = tr.conn(0).Close()
	waitState(t, c, Reconnecting)
	require.NoError(t, c.Send(textMessage(1, "later")))

	c.Disconnect()
	c.Disconnect()
	require.Equal(t, Disconnected, c.State())
	require.Empty(t, c.Rooms())
	require.Equal(t, 0, c.Queued())

	dials := tr.dials.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, dials, tr.dials.Load())
	require.Equal(t, 1, tr.connCount())
	require.ErrorIs(t, c.Send(textMessage(1, "x")), ErrNotConnected)

	tr.setGate(nil)
	require.NoError(t, c.Connect(context.Background()))
	require.Empty(t, tr.conn(1).joins(t))
	c.Disconnect()
}

func TestNilConnection(t *testing.T) {
	var c *Connection
	require.Equal(t, Disconnected, c.State())
	require.Error(t, c.Connect(context.Background()))
	c.Disconnect()
}
