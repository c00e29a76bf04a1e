package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

// FrameSource is the read side of the capture subsystem.
type FrameSource interface {
	Frame(camera int) *frame.Frame
}

// Runner polls the left and right capture slots at a fixed rate, crops the
// pair and hands it to the manager.
type Runner struct {
	source   FrameSource
	cropper  frame.Cropper
	manager  *Manager
	interval time.Duration
	clock    timeutil.Clock
	log      *logrus.Entry
	once     monitoring.Once

	cycles  atomic.Uint64
	skipped atomic.Uint64
}

// NewRunner returns a runner. cropper may be nil to process full frames.
func NewRunner(source FrameSource, cropper frame.Cropper, manager *Manager, interval time.Duration, clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{
		source:   source,
		cropper:  cropper,
		manager:  manager,
		interval: interval,
		clock:    clock,
		log:      monitoring.WithComponent("pipeline"),
	}
}

// Step runs one cycle. It reports false when either frame is missing or
// the crop produced nothing, in which case nothing is published.
func (r *Runner) Step() bool {
	left, right := r.source.Frame(0), r.source.Frame(1)
	if left == nil || right == nil {
		r.skipped.Add(1)
		r.once.Warn(r.log, "waiting", "waiting for frames from both cameras")
		return false
	}
	r.once.Reset()

	if !isNil(r.cropper) {
		left, right = r.cropper.Crop(left, right)
		if left == nil || right == nil {
			r.skipped.Add(1)
			return false
		}
	}

	r.manager.ProcessAndPublish(left, right)
	r.cycles.Add(1)
	return true
}

// Run steps on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Infof("pipeline running every %s with stages %v", r.interval, r.manager.StageNames())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Step()
		}
	}
}

// Stats returns the number of published and skipped cycles.
func (r *Runner) Stats() (cycles, skipped uint64) {
	return r.cycles.Load(), r.skipped.Load()
}
