package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

var (
	// ErrNotConnected is returned by Send while no link is established. The
	// command is dropped; reconnection continues in the background.
	ErrNotConnected = errors.New("command channel not connected")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("command channel closed")
	// ErrQueueFull is returned when the link cannot keep up with Send.
	ErrQueueFull = errors.New("command queue full")
)

// Config controls queueing and reconnection.
type Config struct {
	QueueSize        int
	ReconnectBackoff time.Duration
	Clock            timeutil.Clock
}

// DefaultConfig queues 16 commands and waits one second between failed
// connection attempts.
func DefaultConfig() Config {
	return Config{
		QueueSize:        16,
		ReconnectBackoff: time.Second,
		Clock:            timeutil.RealClock{},
	}
}

// acknowledger is implemented by transports that see the robot confirm
// applied commands.
type acknowledger interface {
	Acknowledged() uint64
}

// Stats is a point-in-time view of a Channel.
type Stats struct {
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	Session   string `json:"session,omitempty"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Connects  uint64 `json:"connects"`
	// Acknowledged counts commands the robot echoed back, for transports
	// that report it.
	Acknowledged uint64    `json:"acknowledged"`
	LastCommand  string    `json:"last_command,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastSent     time.Time `json:"last_sent,omitempty"`
}

// Channel sends wheel commands over a Transport. Send only enqueues; a single
// worker goroutine owns the connection, writes queued commands in order and
// redials after any failure.
type Channel struct {
	transport Transport
	cfg       Config
	log       *logrus.Entry

	queue     chan []byte
	connected atomic.Bool
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewChannel starts connecting immediately.
func NewChannel(transport Transport, cfg Config) *Channel {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: transport,
		cfg:       cfg,
		log:       monitoring.WithComponent("command").WithField("transport", transport.String()),
		queue:     make(chan []byte, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		stats:     Stats{Transport: transport.String()},
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Send enqueues a wheel command. It never blocks on I/O.
func (c *Channel) Send(left, right float64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.connected.Load() {
		c.count(func(s *Stats) { s.Dropped++ })
		return ErrNotConnected
	}
	msg, err := Encode(left, right)
	if err != nil {
		return err
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		c.count(func(s *Stats) { s.Dropped++ })
		return ErrQueueFull
	}
}

// Connected reports whether a link is currently established.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Stats returns a copy of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Connected = c.connected.Load()
	if a, ok := c.transport.(acknowledger); ok {
		s.Acknowledged = a.Acknowledged()
	}
	return s
}

// Close flushes commands already queued on the live connection, closes it
// and stops the worker. Calling Close more than once is safe.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Channel) run() {
	defer c.wg.Done()
	lost := false
	for {
		conn := c.connect(lost)
		if conn == nil {
			return
		}
		if stop := c.serve(conn); stop {
			return
		}
		lost = true
	}
}

// connect dials until it succeeds or the channel is closed, waiting the
// reconnect backoff between failed attempts and before redialling a lost
// connection.
func (c *Channel) connect(lost bool) Conn {
	for attempt := 0; ; attempt++ {
		if attempt > 0 || lost {
			select {
			case <-c.ctx.Done():
				return nil
			case <-c.cfg.Clock.After(c.cfg.ReconnectBackoff):
			}
		}
		if c.ctx.Err() != nil {
			return nil
		}

		conn, err := c.transport.Dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			c.recordError(err)
			if attempt == 0 && !lost {
				c.log.WithError(err).Warn("failed to connect to robot")
			} else {
				c.log.WithError(err).Debugf("reconnect attempt %d failed", attempt)
			}
			continue
		}

		session := uuid.NewString()
		c.count(func(s *Stats) {
			s.Connects++
			s.Session = session
		})
		c.connected.Store(true)
		c.log.WithField("session", session).Info("connected to robot")
		return conn
	}
}

// serve writes queued commands to conn. It reports true when the channel
// was closed and false when the connection failed and must be redialled.
func (c *Channel) serve(conn Conn) bool {
	for {
		select {
		case <-c.ctx.Done():
			c.flush(conn)
			c.disconnect(conn)
			return true

		case <-conn.Done():
			c.log.Warn("robot closed the connection")
			c.recordError(errors.New("connection closed by robot"))
			c.disconnect(conn)
			return false

		case msg := <-c.queue:
			if err := c.write(conn, msg); err != nil {
				c.log.WithError(err).Warn("failed to send command, reconnecting")
				c.disconnect(conn)
				return false
			}
		}
	}
}

func (c *Channel) write(conn Conn, msg []byte) error {
	if err := conn.WriteMessage(msg); err != nil {
		c.count(func(s *Stats) {
			s.Failed++
			s.LastError = err.Error()
		})
		return err
	}
	now := c.cfg.Clock.Now()
	c.count(func(s *Stats) {
		s.Sent++
		s.LastCommand = string(msg)
		s.LastSent = now
	})
	return nil
}

// flush writes whatever is still queued, so that a final stop command
// issued just before Close reaches the robot.
func (c *Channel) flush(conn Conn) {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(conn, msg); err != nil {
				c.log.WithError(err).Warn("failed to flush command on close")
				return
			}
		default:
			return
		}
	}
}

// disconnect closes conn and discards commands queued for it; they are
// stale by the time a new connection is up.
func (c *Channel) disconnect(conn Conn) {
	c.connected.Store(false)
	if err := conn.Close(); err != nil {
		c.log.WithError(err).Debug("error closing connection")
	}
	for {
		select {
		case <-c.queue:
			c.count(func(s *Stats) { s.Dropped++ })
		default:
			c.count(func(s *Stats) { s.Session = "" })
			return
		}
	}
}

func (c *Channel) recordError(err error) {
	c.count(func(s *Stats) { s.LastError = err.Error() })
}

func (c *Channel) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}
