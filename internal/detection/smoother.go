package detection

import (
	"sync"

	"github.com/banshee-data/robot.navigator/internal/frame"
)

// Smoother wraps a Detector and damps frame-to-frame jitter of boxes and
// confidences with an exponential moving average.
//
// Each new detection is paired with the previous frame's same-label
// detection of highest IoU from the same camera. The boxes must overlap and
// the IoU must be at least MinIoU. A paired detection is reported as
// prev + Alpha*(new-prev); unpaired detections pass through unchanged.
type Smoother struct {
	Inner  Detector
	Alpha  float64
	MinIoU float64

	mu   sync.Mutex
	prev map[int][]Detection
}

// NewSmoother wraps inner. alpha is the weight of the newest observation.
func NewSmoother(inner Detector, alpha, minIoU float64) *Smoother {
	return &Smoother{
		Inner:  inner,
		Alpha:  alpha,
		MinIoU: minIoU,
		prev:   make(map[int][]Detection),
	}
}

// Detect runs the inner detector and smooths its output against the
// previous result for the same camera.
func (s *Smoother) Detect(f *frame.Frame, camera int) ([]Detection, error) {
	dets, err := s.Inner.Detect(f, camera)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.prev[camera]
	used := make([]bool, len(prev))
	out := make([]Detection, len(dets))
	for i, d := range dets {
		best, bestIoU := -1, s.MinIoU
		for j, p := range prev {
			if used[j] || p.Label != d.Label {
				continue
			}
			if iou := IoU(p.BBox, d.BBox); iou > 0 && iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}
		out[i] = d.Clone()
		if best >= 0 {
			used[best] = true
			p := prev[best]
			out[i].BBox = p.BBox.Lerp(d.BBox, s.Alpha)
			out[i].Confidence = p.Confidence + s.Alpha*(d.Confidence-p.Confidence)
		}
	}
	s.prev[camera] = CloneAll(out)
	return out, nil
}

// Reset drops the history of every camera.
func (s *Smoother) Reset() {
	s.mu.Lock()
	s.prev = make(map[int][]Detection)
	s.mu.Unlock()
}
