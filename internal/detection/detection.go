// Package detection defines what the detector produces and the stages that
// enrich it: the Detection record, box geometry, the per-label calibration
// table and the monocular distance estimator.
package detection

import (
	"fmt"
	"math"
	"strconv"
)

// ClassLabels maps model class ids to labels.
var ClassLabels = []string{
	"robot",
	"wall_bottom",
	"wall_corner",
	"wall_left",
	"wall_right",
	"wall_top",
}

// LabelForClass returns the label of a class id, or the id itself for
// classes the model knows but the label table does not.
func LabelForClass(id int) string {
	if id >= 0 && id < len(ClassLabels) {
		return ClassLabels[id]
	}
	return strconv.Itoa(id)
}

// BBox is an axis-aligned box in pixels with X1 < X2 and Y1 < Y2.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, zero for degenerate boxes.
func (b BBox) Area() float64 {
	return math.Max(0, b.Width()) * math.Max(0, b.Height())
}

// Center returns the box centre.
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Lerp blends b towards o: alpha=1 returns o, alpha=0 returns b.
func (b BBox) Lerp(o BBox, alpha float64) BBox {
	mix := func(a, c float64) float64 { return a + alpha*(c-a) }
	return BBox{X1: mix(b.X1, o.X1), Y1: mix(b.Y1, o.Y1), X2: mix(b.X2, o.X2), Y2: mix(b.Y2, o.Y2)}
}

func (b BBox) String() string {
	return fmt.Sprintf("[%.1f %.1f %.1f %.1f]", b.X1, b.Y1, b.X2, b.Y2)
}

// IoU is the intersection over union of two boxes. It is 0 for disjoint
// boxes and when the union area is 0.
func IoU(a, b BBox) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one object found in one camera frame. Distance and TrackID
// are nil until the distance and tracking stages fill them in.
type Detection struct {
	Label        string   `json:"label"`
	BBox         BBox     `json:"bbox"`
	Confidence   float64  `json:"confidence"`
	CameraWidth  int      `json:"camera_width"`
	CameraHeight int      `json:"camera_height"`
	Distance     *float64 `json:"distance"`
	TrackID      *int     `json:"track_id"`
}

// SetDistance records an estimated range.
func (d *Detection) SetDistance(v float64) {
	d.Distance = &v
}

// DistanceOr returns the estimated range or def when none is set.
func (d Detection) DistanceOr(def float64) float64 {
	if d.Distance == nil {
		return def
	}
	return *d.Distance
}

// SetTrackID records the id of the track this detection was assigned to.
func (d *Detection) SetTrackID(id int) {
	d.TrackID = &id
}

// Clone returns a copy that shares no pointers with d.
func (d Detection) Clone() Detection {
	out := d
	if d.Distance != nil {
		v := *d.Distance
		out.Distance = &v
	}
	if d.TrackID != nil {
		v := *d.TrackID
		out.TrackID = &v
	}
	return out
}

// CloneAll copies a detection list.
func CloneAll(dets []Detection) []Detection {
	if dets == nil {
		return nil
	}
	out := make([]Detection, len(dets))
	for i, d := range dets {
		out[i] = d.Clone()
	}
	return out
}

// MinDistance returns the smallest estimated range in dets. Detections
// without a range are ignored; with none left the result is +Inf.
func MinDistance(dets []Detection) float64 {
	best := math.Inf(1)
	for _, d := range dets {
		if d.Distance != nil && *d.Distance < best {
			best = *d.Distance
		}
	}
	return best
}
