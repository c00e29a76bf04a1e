// Package capture pulls frames from the robot's camera streams. One worker
// per camera connects with retry, then copies every decoded frame into that
// camera's latest-frame slot until stopped.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

// ErrStreamUnavailable is matched by every error reported on Capture.Fatal.
var ErrStreamUnavailable = errors.New("stream unavailable")

// ErrStopTimeout is returned by Stop when a worker is still blocked inside
// Source.Read after Config.StopTimeout. The worker releases its stream once
// the read returns.
var ErrStopTimeout = errors.New("capture workers did not stop in time")

// StreamUnavailableError reports that a camera stream could not be opened
// within the allowed attempts. Without that camera the robot is blind on one
// side; the owner of the Capture decides whether to halt or degrade.
type StreamUnavailableError struct {
	Camera   int
	URL      string
	Attempts int
	Err      error
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("camera %d: %s after %d attempts: %v", e.Camera, e.URL, e.Attempts, e.Err)
}

// Is makes errors.Is(err, ErrStreamUnavailable) hold.
func (e *StreamUnavailableError) Is(target error) bool {
	return target == ErrStreamUnavailable
}

func (e *StreamUnavailableError) Unwrap() error { return e.Err }

// Source is an open camera stream.
type Source interface {
	// Read blocks until the next frame is decoded. An error is treated as
	// transient: the worker backs off and reads again. Implementations must
	// give up on a stalled stream after a bounded time.
	Read() (*frame.Frame, error)
	Close() error
}

// Opener opens the stream at url.
type Opener interface {
	Open(url string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(url string) (Source, error)

// Open calls fn.
func (fn OpenerFunc) Open(url string) (Source, error) { return fn(url) }

// Config controls the capture workers.
type Config struct {
	URLs            []string // one per camera, indexed by camera
	ConnectAttempts int
	ConnectBackoff  time.Duration
	ReadBackoff     time.Duration
	StopTimeout     time.Duration // how long Stop waits for workers
	Clock           timeutil.Clock
}

// DefaultConfig returns the standard retry policy for urls.
func DefaultConfig(urls ...string) Config {
	return Config{
		URLs:            urls,
		ConnectAttempts: 3,
		ConnectBackoff:  5 * time.Second,
		ReadBackoff:     100 * time.Millisecond,
		StopTimeout:     2 * time.Second,
		Clock:           timeutil.RealClock{},
	}
}

// CameraStats is a point-in-time view of one worker.
type CameraStats struct {
	Camera       int    `json:"camera"`
	URL          string `json:"url"`
	Connected    bool   `json:"connected"`
	Frames       uint64 `json:"frames"`
	ReadFailures uint64 `json:"read_failures"`
}

type camera struct {
	slot         frame.Slot
	connected    atomic.Bool
	readFailures atomic.Uint64
}

// Capture owns the per-camera workers and their slots.
type Capture struct {
	opener Opener
	cfg    Config
	cams   []*camera
	fatal  chan error
	log    *logrus.Entry

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Capture. Nothing is opened until Start.
func New(opener Opener, cfg Config) *Capture {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	cams := make([]*camera, len(cfg.URLs))
	for i := range cams {
		cams[i] = &camera{}
	}
	return &Capture{
		opener: opener,
		cfg:    cfg,
		cams:   cams,
		fatal:  make(chan error, len(cfg.URLs)),
		log:    monitoring.WithComponent("capture"),
		stopCh: make(chan struct{}),
	}
}

// Start launches one worker per camera.
func (c *Capture) Start() error {
	if c.running.Swap(true) {
		return fmt.Errorf("capture already running")
	}
	for i := range c.cams {
		c.wg.Add(1)
		go c.run(i)
	}
	return nil
}

// Stop signals every worker and waits up to StopTimeout for them to release
// their streams. A worker stuck in a read is left to finish on its own and
// ErrStopTimeout is returned.
func (c *Capture) Stop() error {
	if !c.running.Swap(false) {
		return nil
	}
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("capture stopped")
		return nil
	case <-c.cfg.Clock.After(c.cfg.StopTimeout):
		c.log.Warnf("capture workers still reading after %v; abandoning them", c.cfg.StopTimeout)
		return ErrStopTimeout
	}
}

// Frame returns a copy of the latest frame of camera i, or nil if none has
// arrived yet. It never blocks on the worker.
func (c *Capture) Frame(i int) *frame.Frame {
	if i < 0 || i >= len(c.cams) {
		return nil
	}
	return c.cams[i].slot.Load()
}

// Fatal delivers a *StreamUnavailableError for each camera whose stream
// could not be opened.
func (c *Capture) Fatal() <-chan error {
	return c.fatal
}

// NumCameras returns the number of configured cameras.
func (c *Capture) NumCameras() int {
	return len(c.cams)
}

// Stats returns a snapshot of every worker's counters.
func (c *Capture) Stats() []CameraStats {
	out := make([]CameraStats, len(c.cams))
	for i, cam := range c.cams {
		out[i] = CameraStats{
			Camera:       i,
			URL:          c.cfg.URLs[i],
			Connected:    cam.connected.Load(),
			Frames:       cam.slot.Stored(),
			ReadFailures: cam.readFailures.Load(),
		}
	}
	return out
}

// wait sleeps for d on the configured clock. It returns false if Stop was
// called first.
func (c *Capture) wait(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-c.cfg.Clock.After(d):
		return true
	}
}

func (c *Capture) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Capture) connect(i int) (Source, error) {
	url := c.cfg.URLs[i]
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		src, err := c.opener.Open(url)
		if err == nil {
			c.log.Infof("camera %d stream opened", i)
			return src, nil
		}
		lastErr = err
		c.log.Warnf("attempt %d to open camera %d stream at %s failed: %v", attempt, i, url, err)
		if attempt == c.cfg.ConnectAttempts {
			break
		}
		if !c.wait(c.cfg.ConnectBackoff) {
			return nil, nil
		}
	}
	return nil, &StreamUnavailableError{Camera: i, URL: url, Attempts: c.cfg.ConnectAttempts, Err: lastErr}
}

func (c *Capture) run(i int) {
	defer c.wg.Done()
	cam := c.cams[i]
	log := c.log.WithField("camera", i)

	src, err := c.connect(i)
	if err != nil {
		log.Errorf("giving up: %v", err)
		c.fatal <- err // buffered, one slot per camera
		return
	}
	if src == nil {
		return // stopped while connecting
	}
	cam.connected.Store(true)
	defer func() {
		cam.connected.Store(false)
		cam.slot.Clear() // no stale frames from a released stream
		if err := src.Close(); err != nil {
			log.Warnf("failed to release stream: %v", err)
		}
	}()

	var seq uint64
	for !c.stopping() {
		f, err := src.Read()
		if err != nil || f == nil {
			n := cam.readFailures.Add(1)
			log.Debugf("failed to grab frame (%d total): %v", n, err)
			if !c.wait(c.cfg.ReadBackoff) {
				return
			}
			continue
		}
		if c.stopping() {
			return
		}
		seq++
		f.Camera = i
		f.Seq = seq
		f.Captured = c.cfg.Clock.Now()
		cam.slot.Store(f)
	}
}
