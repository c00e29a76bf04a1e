// Package tracking keeps object identity across frames. StereoTracker fuses
// the two camera views into 3D tracks with a Kalman filter per track;
// IoUTracker is a lighter per-camera alternative that only assigns ids.
package tracking

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
)

// Track is the exported view of a stereo track.
type Track struct {
	ID    int        `json:"id"`
	Label string     `json:"label"`
	State [6]float64 `json:"state"` // x, y, z, vx, vy, vz
	Age   int        `json:"age"`   // cycles since the last match
	Hits  int        `json:"hits"`
}

// Position returns x, y, z.
func (t Track) Position() [3]float64 {
	return [3]float64{t.State[0], t.State[1], t.State[2]}
}

// StereoConfig controls association and pruning.
type StereoConfig struct {
	Gate   float64 // Euclidean association gate
	MaxAge int     // tracks older than this are dropped
	Kalman KalmanConfig
}

// DefaultStereoConfig returns the standard gate of 0.5 and age ceiling of 50.
func DefaultStereoConfig() StereoConfig {
	return StereoConfig{
		Gate:   0.5,
		MaxAge: 50,
		Kalman: DefaultKalmanConfig(),
	}
}

type stereoTrack struct {
	id    int
	label string
	kf    *KalmanFilter
	age   int
	hits  int
}

func (t *stereoTrack) view() Track {
	return Track{ID: t.id, Label: t.label, State: t.kf.State(), Age: t.age, Hits: t.hits}
}

// StereoTracker associates triangulated detections with persistent tracks.
// It is safe for concurrent use, although the pipeline calls it from one
// goroutine.
type StereoTracker struct {
	cfg StereoConfig
	cal *StereoCalibration
	log *logrus.Entry

	mu     sync.Mutex
	tracks []*stereoTrack
	nextID int
}

// NewStereoTracker creates a tracker. cal may be nil, in which case points
// fall back to the left detection's image centre and distance.
func NewStereoTracker(cal *StereoCalibration, cfg StereoConfig) *StereoTracker {
	return &StereoTracker{
		cfg: cfg,
		cal: cal,
		log: monitoring.WithComponent("tracking"),
	}
}

// Update runs one tracking cycle and returns the surviving tracks.
//
// Detections are paired by list position: left[i] with right[i]. Surplus
// detections on the longer side are ignored.
func (t *StereoTracker) Update(left, right []detection.Detection) []Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	matched := make(map[*stereoTrack]bool, len(t.tracks))
	for i := 0; i < n; i++ {
		pt := t.point(left[i], right[i])
		if tr := t.nearest(pt, matched); tr != nil {
			if err := tr.kf.Update(pt); err != nil {
				t.log.Warnf("track %d: correction skipped: %v", tr.id, err)
			}
			tr.age = 0
			tr.hits++
			matched[tr] = true
			continue
		}
		tr := &stereoTrack{
			id:    t.nextID,
			label: left[i].Label,
			kf:    NewKalmanFilter(pt, t.cfg.Kalman),
			hits:  1,
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		matched[tr] = true
	}

	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		tr.kf.Predict()
		tr.age++
		if tr.age > t.cfg.MaxAge {
			t.log.Debugf("track %d pruned after %d cycles", tr.id, tr.age)
			continue
		}
		kept = append(kept, tr)
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept

	return t.viewLocked()
}

// Tracks returns the current tracks without advancing the filter.
func (t *StereoTracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked()
}

// Reset drops every track. Ids keep increasing across resets.
func (t *StereoTracker) Reset() {
	t.mu.Lock()
	t.tracks = nil
	t.mu.Unlock()
}

func (t *StereoTracker) viewLocked() []Track {
	out := make([]Track, len(t.tracks))
	for i, tr := range t.tracks {
		out[i] = tr.view()
	}
	return out
}

// point computes the 3D measurement of a left/right pair.
func (t *StereoTracker) point(l, r detection.Detection) [3]float64 {
	lx, ly := l.BBox.Center()
	if t.cal != nil {
		rx, ry := r.BBox.Center()
		pt, err := t.cal.Triangulate([2]float64{lx, ly}, [2]float64{rx, ry})
		if err == nil {
			return pt
		}
		t.log.Debugf("triangulation failed, using image centre: %v", err)
	}
	return [3]float64{lx, ly, l.DistanceOr(1.0)}
}

// nearest returns the unmatched track closest to pt within the gate.
func (t *StereoTracker) nearest(pt [3]float64, matched map[*stereoTrack]bool) *stereoTrack {
	var best *stereoTrack
	bestDist := t.cfg.Gate
	for _, tr := range t.tracks {
		if matched[tr] {
			continue
		}
		if d := distance(tr.kf.Position(), pt); d < bestDist {
			best, bestDist = tr, d
		}
	}
	return best
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
