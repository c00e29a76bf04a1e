package command

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robot.navigator/internal/serialmux"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestEncode(t *testing.T) {
	msg, err := Encode(1, 0.7)
	require.NoError(t, err)
	assert.Equal(t, `{"left":1,"right":0.7}`, string(msg))

	msg, err = Encode(-1, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"left":-1,"right":0}`, string(msg))

	for _, bad := range [][2]float64{{math.NaN(), 0}, {0, math.Inf(1)}} {
		_, err := Encode(bad[0], bad[1])
		assert.ErrorIs(t, err, ErrInvalidCommand)
	}
}

func TestDecode(t *testing.T) {
	l, r, err := Decode([]byte(`{"left":0.9,"right":1}`))
	require.NoError(t, err)
	assert.Equal(t, 0.9, l)
	assert.Equal(t, 1.0, r)

	for _, bad := range []string{`stop`, `{"left":1}`, `{"left":"1","right":1}`} {
		_, _, err := Decode([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidCommand, bad)
	}
}

func TestNewWebsocketTransportURL(t *testing.T) {
	tr := NewWebsocketTransport("ws://192.168.129.84:8000/ws")
	assert.Equal(t, "ws://192.168.129.84:8000/ws", tr.URL)
	assert.Equal(t, tr.URL, tr.String())
	assert.NotNil(t, tr.Dialer)
	assert.Zero(t, tr.Acknowledged())
}

func TestChannelCountsEchoedCommands(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			// Status chatter is not an acknowledgement.
			if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"status":"ok"}`)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewWebsocketTransport("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	ch := NewChannel(tr, Config{ReconnectBackoff: 10 * time.Millisecond})
	defer ch.Close()

	require.Eventually(t, ch.Connected, waitFor, tick)
	require.NoError(t, ch.Send(1, 0.7))
	require.NoError(t, ch.Send(0, 0))

	require.Eventually(t, func() bool { return ch.Stats().Acknowledged == 2 }, waitFor, tick)
	assert.Equal(t, uint64(2), tr.Acknowledged())
}

// robotServer accepts websocket connections on /ws and records every text
// message it receives.
type robotServer struct {
	srv   *httptest.Server
	msgs  chan string
	conns chan *websocket.Conn
}

func newRobotServer(t *testing.T) *robotServer {
	t.Helper()
	rs := &robotServer{
		msgs:  make(chan string, 16),
		conns: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.conns <- ws
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			rs.msgs <- string(msg)
		}
	})
	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *robotServer) transport() *WebsocketTransport {
	return &WebsocketTransport{
		URL:          "ws" + strings.TrimPrefix(rs.srv.URL, "http") + "/ws",
		WriteTimeout: time.Second,
	}
}

func (rs *robotServer) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-rs.msgs:
		return m
	case <-time.After(waitFor):
		t.Fatal("robot received no command")
		return ""
	}
}

func TestChannelSendsOverWebsocket(t *testing.T) {
	rs := newRobotServer(t)
	ch := NewChannel(rs.transport(), Config{ReconnectBackoff: 10 * time.Millisecond})
	defer ch.Close()

	require.Eventually(t, ch.Connected, waitFor, tick)
	require.NoError(t, ch.Send(1, 0.7))
	assert.Equal(t, `{"left":1,"right":0.7}`, rs.next(t))

	require.NoError(t, ch.Send(0, 0))
	assert.Equal(t, `{"left":0,"right":0}`, rs.next(t))

	stats := ch.Stats()
	assert.True(t, stats.Connected)
	assert.NotEmpty(t, stats.Session)
	assert.Equal(t, uint64(1), stats.Connects)
	assert.Eventually(t, func() bool { return ch.Stats().Sent == 2 }, waitFor, tick)
}

func TestChannelReconnectsWhenRobotHangsUp(t *testing.T) {
	rs := newRobotServer(t)
	ch := NewChannel(rs.transport(), Config{ReconnectBackoff: 10 * time.Millisecond})
	defer ch.Close()

	var first *websocket.Conn
	select {
	case first = <-rs.conns:
	case <-time.After(waitFor):
		t.Fatal("channel never connected")
	}
	require.Eventually(t, ch.Connected, waitFor, tick)
	first.Close()

	require.Eventually(t, func() bool {
		s := ch.Stats()
		return s.Connects == 2 && s.Connected
	}, waitFor, tick)

	require.NoError(t, ch.Send(0.5, 0.5))
	assert.Equal(t, `{"left":0.5,"right":0.5}`, rs.next(t))
}

type fakeConn struct {
	mu       sync.Mutex
	written  []string
	writeErr error
	block    chan struct{}
	writing  chan struct{}
	done     chan struct{}
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(msg []byte) error {
	if c.writing != nil {
		c.writing <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, string(msg))
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu    sync.Mutex
	dials int
	dial  func(ctx context.Context, n int) (Conn, error)
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	n := t.dials
	t.dials++
	t.mu.Unlock()
	return t.dial(ctx, n)
}

func (t *fakeTransport) String() string { return "fake" }

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func TestChannelSendWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{dial: func(ctx context.Context, n int) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ch := NewChannel(tr, Config{})

	assert.ErrorIs(t, ch.Send(1, 1), ErrNotConnected)
	assert.False(t, ch.Connected())
	assert.Equal(t, uint64(1), ch.Stats().Dropped)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(1, 1), ErrClosed)
	require.NoError(t, ch.Close())
}

func TestChannelReconnectsAfterWriteFailure(t *testing.T) {
	bad := newFakeConn()
	bad.writeErr = errors.New("broken pipe")
	good := newFakeConn()
	tr := &fakeTransport{dial: func(ctx context.Context, n int) (Conn, error) {
		if n == 0 {
			return bad, nil
		}
		return good, nil
	}}
	ch := NewChannel(tr, Config{ReconnectBackoff: 10 * time.Millisecond})
	defer ch.Close()

	require.Eventually(t, ch.Connected, waitFor, tick)
	require.NoError(t, ch.Send(1, 1))

	require.Eventually(t, func() bool {
		s := ch.Stats()
		return s.Connects == 2 && s.Connected
	}, waitFor, tick)
	assert.True(t, bad.Closed())
	assert.Equal(t, uint64(1), ch.Stats().Failed)
	assert.Equal(t, "broken pipe", ch.Stats().LastError)

	require.NoError(t, ch.Send(0.5, -0.5))
	assert.Eventually(t, func() bool {
		w := good.Written()
		return len(w) == 1 && w[0] == `{"left":0.5,"right":-0.5}`
	}, waitFor, tick)
}

func TestChannelBacksOffBetweenFailedDials(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	conn := newFakeConn()
	tr := &fakeTransport{dial: func(ctx context.Context, n int) (Conn, error) {
		if n < 2 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}}
	ch := NewChannel(tr, Config{ReconnectBackoff: 3 * time.Second, Clock: clock})
	defer ch.Close()

	for i := 1; i <= 2; i++ {
		require.Eventually(t, func() bool { return clock.Waiters() == 1 }, waitFor, tick)
		assert.Equal(t, i, tr.Dials(), "no redial before the backoff elapses")
		assert.False(t, ch.Connected())
		assert.Equal(t, "connection refused", ch.Stats().LastError)
		clock.Advance(3 * time.Second)
	}

	require.Eventually(t, ch.Connected, waitFor, tick)
	assert.Equal(t, 3, tr.Dials())
}

func TestChannelQueueFull(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	conn.writing = make(chan struct{}, 4)
	tr := &fakeTransport{dial: func(ctx context.Context, n int) (Conn, error) { return conn, nil }}
	ch := NewChannel(tr, Config{QueueSize: 1})
	defer ch.Close()

	require.Eventually(t, ch.Connected, waitFor, tick)
	require.NoError(t, ch.Send(1, 1))
	<-conn.writing // worker is now stuck in the first write

	require.NoError(t, ch.Send(1, 0))
	assert.ErrorIs(t, ch.Send(0, 1), ErrQueueFull)

	close(conn.block)
	assert.Eventually(t, func() bool { return len(conn.Written()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`{"left":1,"right":1}`, `{"left":1,"right":0}`}, conn.Written())
}

func TestChannelCloseFlushesQueuedCommands(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	conn.writing = make(chan struct{}, 4)
	tr := &fakeTransport{dial: func(ctx context.Context, n int) (Conn, error) { return conn, nil }}
	ch := NewChannel(tr, Config{})

	require.Eventually(t, ch.Connected, waitFor, tick)
	require.NoError(t, ch.Send(1, 1))
	<-conn.writing
	require.NoError(t, ch.Send(0, 0))

	closed := make(chan struct{})
	go func() {
		ch.Close()
		close(closed)
	}()
	close(conn.block)

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, []string{`{"left":1,"right":1}`, `{"left":0,"right":0}`}, conn.Written())
	assert.True(t, conn.Closed())
	assert.False(t, ch.Connected())
}

func TestChannelRedialsWhenConnDone(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	tr := &fakeTransport{dial: func(ctx context.Context, n int) (Conn, error) {
		if n == 0 {
			return first, nil
		}
		return second, nil
	}}
	ch := NewChannel(tr, Config{ReconnectBackoff: 10 * time.Millisecond})
	defer ch.Close()

	require.Eventually(t, ch.Connected, waitFor, tick)
	close(first.done)

	require.Eventually(t, func() bool { return ch.Stats().Connects == 2 }, waitFor, tick)
	assert.True(t, first.Closed())
	assert.Equal(t, "connection closed by robot", ch.Stats().LastError)
}

func TestSerialTransport(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	defer mux.Close()

	tr := &SerialTransport{Mux: mux, Path: "/dev/ttyUSB0"}
	assert.Equal(t, "serial:/dev/ttyUSB0", tr.String())

	ch := NewChannel(tr, Config{})
	require.Eventually(t, ch.Connected, waitFor, tick)
	require.NoError(t, ch.Send(1, 0.7))
	assert.Eventually(t, func() bool {
		return port.Written() == "{\"left\":1,\"right\":0.7}\n"
	}, waitFor, tick)
	require.NoError(t, ch.Close())
}

func TestSerialTransportDialCancelled(t *testing.T) {
	tr := &SerialTransport{Mux: serialmux.NewDisabledSerialMux()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Dial(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
