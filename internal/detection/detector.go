package detection

import (
	"fmt"
	"sort"

	"github.com/banshee-data/robot.navigator/internal/frame"
)

// Detector finds objects in one frame. camera identifies the source so that
// stateful detectors (see Smoother) keep per-camera history.
type Detector interface {
	Detect(f *frame.Frame, camera int) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(f *frame.Frame, camera int) ([]Detection, error)

// Detect calls fn.
func (fn DetectorFunc) Detect(f *frame.Frame, camera int) ([]Detection, error) {
	return fn(f, camera)
}

// NonMaxSuppression keeps the highest-confidence detection of each cluster
// of same-label boxes overlapping by more than iouThreshold. The result is
// ordered by descending confidence.
func NonMaxSuppression(dets []Detection, iouThreshold float64) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Label == d.Label && IoU(k.BBox, d.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

// YOLOOutput describes a single-image YOLO (v8 and later) output tensor laid
// out as [4+classes, anchors]: rows 0..3 hold cx, cy, w, h in input pixels,
// the remaining rows hold per-class scores.
type YOLOOutput struct {
	Data       []float32
	Attributes int // 4 + number of classes
	Anchors    int
}

// DecodeParams controls YOLO output decoding.
type DecodeParams struct {
	InputSize     int // square network input, e.g. 640
	FrameWidth    int
	FrameHeight   int
	MinConfidence float64
	NMSThreshold  float64
}

// DecodeYOLO converts a raw YOLO tensor into detections scaled to the source
// frame, applying the confidence floor and class-wise NMS.
func DecodeYOLO(out YOLOOutput, p DecodeParams) ([]Detection, error) {
	if out.Attributes < 5 || out.Anchors <= 0 {
		return nil, fmt.Errorf("unexpected YOLO output shape %dx%d", out.Attributes, out.Anchors)
	}
	if len(out.Data) < out.Attributes*out.Anchors {
		return nil, fmt.Errorf("YOLO output has %d values, want %d", len(out.Data), out.Attributes*out.Anchors)
	}
	if p.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive")
	}

	sx := float64(p.FrameWidth) / float64(p.InputSize)
	sy := float64(p.FrameHeight) / float64(p.InputSize)
	at := func(row, col int) float64 { return float64(out.Data[row*out.Anchors+col]) }

	var dets []Detection
	for a := 0; a < out.Anchors; a++ {
		bestClass, bestScore := -1, 0.0
		for c := 4; c < out.Attributes; c++ {
			if s := at(c, a); s > bestScore {
				bestClass, bestScore = c-4, s
			}
		}
		if bestClass < 0 || bestScore < p.MinConfidence {
			continue
		}

		cx, cy, w, h := at(0, a), at(1, a), at(2, a), at(3, a)
		box := BBox{
			X1: clamp((cx-w/2)*sx, 0, float64(p.FrameWidth)),
			Y1: clamp((cy-h/2)*sy, 0, float64(p.FrameHeight)),
			X2: clamp((cx+w/2)*sx, 0, float64(p.FrameWidth)),
			Y2: clamp((cy+h/2)*sy, 0, float64(p.FrameHeight)),
		}
		if box.Width() <= 0 || box.Height() <= 0 {
			continue
		}
		dets = append(dets, Detection{
			Label:        LabelForClass(bestClass),
			BBox:         box,
			Confidence:   bestScore,
			CameraWidth:  p.FrameWidth,
			CameraHeight: p.FrameHeight,
		})
	}
	return NonMaxSuppression(dets, p.NMSThreshold), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
