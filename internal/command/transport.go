package command

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/serialmux"
)

// Conn is one established link to the robot.
type Conn interface {
	// WriteMessage sends one encoded command.
	WriteMessage(msg []byte) error
	// Done is closed when the remote side goes away.
	Done() <-chan struct{}
	Close() error
}

// Transport opens connections to the robot.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

// WebsocketTransport sends commands as text frames to the robot's /ws
// endpoint. The robot echoes every command it applies; echoes are counted
// as acknowledgements across connections.
type WebsocketTransport struct {
	URL          string
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration

	acked atomic.Uint64
}

// NewWebsocketTransport targets the websocket endpoint at rawURL, for
// example ws://192.168.129.84:8000/ws.
func NewWebsocketTransport(rawURL string) *WebsocketTransport {
	return &WebsocketTransport{
		URL:          rawURL,
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: time.Second,
	}
}

func (t *WebsocketTransport) String() string { return t.URL }

// Acknowledged reports how many commands the robot has echoed back.
func (t *WebsocketTransport) Acknowledged() uint64 { return t.acked.Load() }

// Dial performs the websocket handshake. A reader goroutine drains replies
// from the robot and closes Done when the connection fails.
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	ws, _, err := d.DialContext(ctx, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	c := &wsConn{
		ws:      ws,
		timeout: t.WriteTimeout,
		done:    make(chan struct{}),
		acked:   &t.acked,
		log:     monitoring.WithComponent("command").WithField("url", t.URL),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	timeout time.Duration
	done    chan struct{}
	acked   *atomic.Uint64
	log     *logrus.Entry
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("robot connection lost")
			}
			return
		}
		left, right, err := Decode(msg)
		if err != nil {
			c.log.Debugf("robot replied: %s", msg)
			continue
		}
		c.acked.Add(1)
		c.log.Tracef("robot applied left=%.2f right=%.2f", left, right)
	}
}

func (c *wsConn) WriteMessage(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// SerialTransport writes commands to a motor controller attached over a
// serial line. The mux's Monitor must be running for Done to notice a
// closed port.
type SerialTransport struct {
	Mux  serialmux.SerialMuxInterface
	Path string
}

func (t *SerialTransport) String() string { return "serial:" + t.Path }

// Dial subscribes to controller replies. There is no handshake: the link is
// up for as long as the mux is open.
func (t *SerialTransport) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, lines := t.Mux.Subscribe()
	c := &serialConn{
		mux:  t.Mux,
		id:   id,
		done: make(chan struct{}),
		log:  monitoring.WithComponent("command").WithField("port", t.Path),
	}
	go c.watch(lines)
	return c, nil
}

type serialConn struct {
	mux       serialmux.SerialMuxInterface
	id        string
	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// watch logs controller errors until the subscription is closed, either by
// Close or by the mux shutting down.
func (c *serialConn) watch(lines <-chan string) {
	defer close(c.done)
	for line := range lines {
		if serialmux.ClassifyReply(line) == serialmux.ReplyError {
			c.log.Warnf("controller rejected command: %s", line)
		}
	}
}

func (c *serialConn) WriteMessage(msg []byte) error {
	return c.mux.SendCommand(string(msg))
}

func (c *serialConn) Done() <-chan struct{} { return c.done }

func (c *serialConn) Close() error {
	c.closeOnce.Do(func() { c.mux.Unsubscribe(c.id) })
	return nil
}
