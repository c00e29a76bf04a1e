package tracking

import (
	"sync"

	"github.com/banshee-data/robot.navigator/internal/detection"
)

// IoUTrack is one per-camera track of the IoU tracker.
type IoUTrack struct {
	ID     int            `json:"track_id"`
	Label  string         `json:"label"`
	BBox   detection.BBox `json:"bbox"`
	Missed int            `json:"missed"`
}

// IoUTracker assigns track ids within each camera by box overlap. Ids are
// unique across cameras.
type IoUTracker struct {
	Threshold float64
	MaxMissed int

	mu     sync.Mutex
	tracks map[int][]*IoUTrack
	nextID int
}

// NewIoUTracker returns a tracker; the defaults are 0.3 and 3.
func NewIoUTracker(threshold float64, maxMissed int) *IoUTracker {
	return &IoUTracker{
		Threshold: threshold,
		MaxMissed: maxMissed,
		tracks:    make(map[int][]*IoUTrack),
	}
}

// Update sets TrackID on every detection of camera in place and returns
// dets. Each detection takes the unassigned same-label track it overlaps
// most, provided the IoU reaches Threshold; otherwise it starts a track.
// Tracks left unmatched are dropped once missed more than MaxMissed times.
func (t *IoUTracker) Update(dets []detection.Detection, camera int) []detection.Detection {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := t.tracks[camera]
	assigned := make([]bool, len(active))

	for i := range dets {
		d := &dets[i]
		best, bestIoU := -1, 0.0
		for j, tr := range active {
			if assigned[j] || tr.Label != d.Label {
				continue
			}
			if iou := detection.IoU(d.BBox, tr.BBox); iou > bestIoU {
				best, bestIoU = j, iou
			}
		}

		if best >= 0 && bestIoU >= t.Threshold {
			tr := active[best]
			tr.BBox = d.BBox
			tr.Missed = 0
			assigned[best] = true
			d.SetTrackID(tr.ID)
			continue
		}

		tr := &IoUTrack{ID: t.nextID, Label: d.Label, BBox: d.BBox}
		t.nextID++
		active = append(active, tr)
		assigned = append(assigned, true)
		d.SetTrackID(tr.ID)
	}

	kept := active[:0]
	for j, tr := range active {
		if !assigned[j] {
			tr.Missed++
			if tr.Missed > t.MaxMissed {
				continue
			}
		}
		kept = append(kept, tr)
	}
	t.tracks[camera] = kept
	return dets
}

// Tracks returns a copy of camera's active tracks.
func (t *IoUTracker) Tracks(camera int) []IoUTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IoUTrack, len(t.tracks[camera]))
	for i, tr := range t.tracks[camera] {
		out[i] = *tr
	}
	return out
}

// Reset drops every camera's tracks. Ids keep increasing so a reset never
// reuses one.
func (t *IoUTracker) Reset() {
	t.mu.Lock()
	t.tracks = make(map[int][]*IoUTrack)
	t.mu.Unlock()
}
