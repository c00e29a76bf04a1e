package navigation

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

// CommandSender delivers wheel speeds to the robot. Send must not block on
// network I/O.
type CommandSender interface {
	Send(left, right float64) error
}

// Decision is one navigator tick's output.
type Decision struct {
	Left  float64   `json:"left"`
	Right float64   `json:"right"`
	Seq   uint64    `json:"snapshot_seq"`
	At    time.Time `json:"at"`
	Sent  bool      `json:"sent"`
	Error string    `json:"error,omitempty"`
}

// historySize bounds the decisions kept for the dashboard.
const historySize = 300

// Navigator periodically asks its strategy for a decision about the latest
// snapshot and, while enabled, sends it.
type Navigator struct {
	hub      *sensor.Hub
	strategy Strategy
	sender   CommandSender
	interval time.Duration
	clock    timeutil.Clock
	log      *logrus.Entry

	enabled atomic.Bool
	ticks   atomic.Uint64

	mu      sync.Mutex
	history []Decision // oldest first
}

// NewNavigator returns a disabled navigator.
func NewNavigator(hub *sensor.Hub, strategy Strategy, sender CommandSender, interval time.Duration, clock timeutil.Clock) *Navigator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Navigator{
		hub:      hub,
		strategy: strategy,
		sender:   sender,
		interval: interval,
		clock:    clock,
		log:      monitoring.WithComponent("navigator"),
	}
}

// Run ticks every interval until ctx is done.
func (n *Navigator) Run(ctx context.Context) error {
	ticker := n.clock.NewTicker(n.interval)
	defer ticker.Stop()
	n.log.Infof("navigator deciding every %s", n.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			n.Tick()
		}
	}
}

// Tick makes one decision. It returns false when no snapshot has been
// published yet.
func (n *Navigator) Tick() (Decision, bool) {
	n.ticks.Add(1)
	s := n.hub.Latest()
	if s == nil {
		n.log.Trace("no snapshot yet")
		return Decision{}, false
	}

	left, right := n.strategy.Decide(s)
	d := Decision{
		Left:  clamp(left),
		Right: clamp(right),
		Seq:   s.Seq,
		At:    n.clock.Now(),
	}
	if n.enabled.Load() {
		if err := n.sender.Send(d.Left, d.Right); err != nil {
			d.Error = err.Error()
			n.log.Debugf("command not sent: %v", err)
		} else {
			d.Sent = true
		}
	}
	n.record(d)
	return d, true
}

// SetEnabled turns command output on or off. Turning it off sends a single
// stop command so the robot does not keep executing the last decision.
func (n *Navigator) SetEnabled(on bool) {
	was := n.enabled.Swap(on)
	if was == on {
		return
	}
	n.log.Infof("autonomous driving enabled=%t", on)
	if !on {
		n.sendStop()
	}
}

// Toggle flips the enabled flag and returns the new value.
func (n *Navigator) Toggle() bool {
	for {
		was := n.enabled.Load()
		if n.enabled.CompareAndSwap(was, !was) {
			n.log.Infof("autonomous driving enabled=%t", !was)
			if was {
				n.sendStop()
			}
			return !was
		}
	}
}

// Enabled reports whether decisions are being sent.
func (n *Navigator) Enabled() bool {
	return n.enabled.Load()
}

// Stop disables output and sends a stop command regardless of the previous
// state. It is used on shutdown.
func (n *Navigator) Stop() error {
	n.enabled.Store(false)
	return n.sender.Send(0, 0)
}

// LastDecision returns the most recent decision, if any.
func (n *Navigator) LastDecision() (Decision, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.history) == 0 {
		return Decision{}, false
	}
	return n.history[len(n.history)-1], true
}

// History returns a copy of the recent decisions, oldest first.
func (n *Navigator) History() []Decision {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Decision, len(n.history))
	copy(out, n.history)
	return out
}

// Ticks reports how many ticks have run.
func (n *Navigator) Ticks() uint64 {
	return n.ticks.Load()
}

func (n *Navigator) record(d Decision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.history) == historySize {
		copy(n.history, n.history[1:])
		n.history = n.history[:historySize-1]
	}
	n.history = append(n.history, d)
}

func (n *Navigator) sendStop() {
	if err := n.sender.Send(0, 0); err != nil {
		n.log.Warnf("failed to send stop command: %v", err)
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
