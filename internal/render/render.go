// Package render publishes the latest left and right camera frames as MJPEG
// streams, either raw or with detections drawn on them. A third stream shows
// both cameras side by side.
package render

import (
	"bytes"
	"context"
	"image/jpeg"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

// DefaultQuality is the JPEG quality of streamed frames.
const DefaultQuality = 80

// Renderer polls the hub and pushes each new snapshot's frames to the MJPEG
// streams.
type Renderer struct {
	hub      *sensor.Hub
	left     *mjpeg.Stream
	right    *mjpeg.Stream
	stereo   *mjpeg.Stream
	interval time.Duration
	clock    timeutil.Clock
	quality  int
	log      *logrus.Entry

	annotated atomic.Bool
	lastSeq   uint64
	rendered  atomic.Uint64
}

// New returns a renderer that shows annotated frames when annotated is true.
func New(hub *sensor.Hub, interval time.Duration, annotated bool, clock timeutil.Clock) *Renderer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &Renderer{
		hub:      hub,
		left:     mjpeg.NewStream(),
		right:    mjpeg.NewStream(),
		stereo:   mjpeg.NewStream(),
		interval: interval,
		clock:    clock,
		quality:  DefaultQuality,
		log:      monitoring.WithComponent("render"),
	}
	r.annotated.Store(annotated)
	return r
}

// Left serves the left camera stream.
func (r *Renderer) Left() http.Handler { return r.left }

// Right serves the right camera stream.
func (r *Renderer) Right() http.Handler { return r.right }

// Stereo serves the left and right frames joined horizontally.
func (r *Renderer) Stereo() http.Handler { return r.stereo }

// SetAnnotated switches between raw and annotated frames.
func (r *Renderer) SetAnnotated(on bool) { r.annotated.Store(on) }

// Annotated reports whether annotated frames are shown.
func (r *Renderer) Annotated() bool { return r.annotated.Load() }

// Rendered reports how many snapshots have been pushed to the streams.
func (r *Renderer) Rendered() uint64 { return r.rendered.Load() }

// Render pushes the latest snapshot if it has not been shown yet. It
// reports whether anything was pushed. Render is not safe for concurrent
// use; Run calls it from one goroutine.
func (r *Renderer) Render() bool {
	snap := r.hub.Latest()
	if snap == nil || snap.Seq == r.lastSeq {
		return false
	}
	left, right, stereo := r.encode(snap)
	if left == nil && right == nil {
		return false
	}
	if left != nil {
		r.left.UpdateJPEG(left)
	}
	if right != nil {
		r.right.UpdateJPEG(right)
	}
	if stereo != nil {
		r.stereo.UpdateJPEG(stereo)
	}
	r.lastSeq = snap.Seq
	r.rendered.Add(1)
	return true
}

func (r *Renderer) encode(snap *sensor.Snapshot) (left, right, stereo []byte) {
	lf, rf := snap.Frames(r.annotated.Load())
	var err error
	if lf != nil {
		if left, err = EncodeJPEG(lf, r.quality); err != nil {
			r.log.WithError(err).Warn("failed to encode left frame")
		}
	}
	if rf != nil {
		if right, err = EncodeJPEG(rf, r.quality); err != nil {
			r.log.WithError(err).Warn("failed to encode right frame")
		}
	}
	if lf != nil && rf != nil {
		if stereo, err = EncodeJPEG(frame.HStack(lf, rf), r.quality); err != nil {
			r.log.WithError(err).Warn("failed to encode stereo frame")
		}
	}
	return left, right, stereo
}

// Run renders every interval until ctx is done.
func (r *Renderer) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Render()
		}
	}
}

// EncodeJPEG compresses f.
func EncodeJPEG(f *frame.Frame, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
