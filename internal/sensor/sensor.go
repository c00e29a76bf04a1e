// Package sensor holds the snapshot that the pipeline publishes each cycle
// and the hub that hands the latest one to the navigator, the renderer and
// telemetry.
package sensor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/tracking"
)

// Snapshot is one processing cycle's view of the world. Once published it
// must not be modified; stages build it up before the hub sees it.
type Snapshot struct {
	Seq     uint64
	Created time.Time

	LeftFrame  *frame.Frame
	RightFrame *frame.Frame

	LeftAnnotated  *frame.Frame
	RightAnnotated *frame.Frame

	LeftDetections  []detection.Detection
	RightDetections []detection.Detection

	Tracks []tracking.Track
}

// Detections returns the detections of camera 0 (left) or 1 (right).
func (s *Snapshot) Detections(camera int) []detection.Detection {
	if s == nil {
		return nil
	}
	switch camera {
	case 0:
		return s.LeftDetections
	case 1:
		return s.RightDetections
	}
	return nil
}

// Frames returns the frames to display: annotated when requested and
// available, otherwise raw.
func (s *Snapshot) Frames(annotated bool) (left, right *frame.Frame) {
	if s == nil {
		return nil, nil
	}
	left, right = s.LeftFrame, s.RightFrame
	if annotated {
		if s.LeftAnnotated != nil {
			left = s.LeftAnnotated
		}
		if s.RightAnnotated != nil {
			right = s.RightAnnotated
		}
	}
	return left, right
}

// Hub is the single-slot store of the latest snapshot. One writer (the
// pipeline) replaces the snapshot; any number of readers get the current
// pointer. Subscribers additionally receive each snapshot as it is
// published; a subscriber that falls behind misses snapshots rather than
// blocking the writer.
type Hub struct {
	mu     sync.RWMutex
	latest *Snapshot

	subMu       sync.Mutex
	subscribers map[string]chan *Snapshot
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan *Snapshot)}
}

// Update publishes s.
func (h *Hub) Update(s *Snapshot) {
	h.mu.Lock()
	h.latest = s
	h.mu.Unlock()

	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Latest returns the most recently published snapshot, or nil before the
// first Update.
func (h *Hub) Latest() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Subscribe registers a channel that receives every published snapshot it
// has room for. buffer is the channel capacity.
func (h *Hub) Subscribe(buffer int) (string, <-chan *Snapshot) {
	if buffer < 1 {
		buffer = 1
	}
	id := uuid.NewString()
	ch := make(chan *Snapshot, buffer)
	h.subMu.Lock()
	h.subscribers[id] = ch
	h.subMu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes the subscriber channel.
func (h *Hub) Unsubscribe(id string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}
