// Package navigation turns snapshots into differential-drive commands.
package navigation

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/sensor"
)

// Strategy decides wheel speeds from a snapshot. Speeds are nominally in
// [-1, 1]; the Navigator clamps whatever a strategy returns.
type Strategy interface {
	Decide(s *sensor.Snapshot) (left, right float64)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(s *sensor.Snapshot) (left, right float64)

// Decide calls fn.
func (fn StrategyFunc) Decide(s *sensor.Snapshot) (float64, float64) { return fn(s) }

// Default thresholds, in the distance unit of the metrics file.
const (
	DefaultSafeDistance = 0.15
	DefaultSafetyMargin = 0.05
)

// Reactive compares the nearest obstacle seen by each camera with
// SafeDistance and turns away from whichever side is too close.
type Reactive struct {
	SafeDistance float64
}

func (r Reactive) Decide(s *sensor.Snapshot) (float64, float64) {
	leftMin := detection.MinDistance(s.Detections(0))
	rightMin := detection.MinDistance(s.Detections(1))
	leftUnsafe := leftMin < r.SafeDistance
	rightUnsafe := rightMin < r.SafeDistance

	switch {
	case leftUnsafe && rightUnsafe:
		return 1.0, -1.0 // spin in place
	case leftUnsafe:
		return 1.0, 0.0 // turn right
	case rightUnsafe:
		return 0.0, 1.0 // turn left
	default:
		return 1.0, 1.0
	}
}

// Zoned splits the field of view into thirds by box centre and reacts to the
// nearest obstacle in each third. A close obstacle in the centre third turns
// the robot in place toward the clearer side; an obstacle within
// SafeDistance+Margin on a side steers gently away from it.
type Zoned struct {
	SafeDistance float64
	Margin       float64
}

// defaultCameraWidth is used for detections that do not carry a frame size.
const defaultCameraWidth = 1280

func (z Zoned) Decide(s *sensor.Snapshot) (float64, float64) {
	leftMin, centerMin, rightMin := math.Inf(1), math.Inf(1), math.Inf(1)

	var dets []detection.Detection
	dets = append(dets, s.Detections(0)...)
	dets = append(dets, s.Detections(1)...)
	for _, d := range dets {
		if d.Distance == nil {
			continue
		}
		w := float64(d.CameraWidth)
		if w <= 0 {
			w = defaultCameraWidth
		}
		cx, _ := d.BBox.Center()
		switch {
		case cx < w/3:
			leftMin = math.Min(leftMin, *d.Distance)
		case cx > 2*w/3:
			rightMin = math.Min(rightMin, *d.Distance)
		default:
			centerMin = math.Min(centerMin, *d.Distance)
		}
	}

	if centerMin < z.SafeDistance {
		if leftMin > rightMin {
			return 1.0, -1.0
		}
		return -1.0, 1.0
	}

	borderline := z.SafeDistance + z.Margin
	if leftMin < borderline || rightMin < borderline {
		switch {
		case leftMin < rightMin:
			return 1.0, 0.7
		case rightMin < leftMin:
			return 0.7, 1.0
		default:
			return 0.9, 1.0
		}
	}
	return 1.0, 1.0
}

// Straight always drives forward. It stands in for the planning and learned
// strategies, which are selectable by name but not implemented.
type Straight struct{}

func (Straight) Decide(*sensor.Snapshot) (float64, float64) { return 1.0, 1.0 }

var strategyFactories = map[string]func(safe, margin float64) Strategy{
	"reactive":               func(safe, _ float64) Strategy { return Reactive{SafeDistance: safe} },
	"zoned":                  func(safe, margin float64) Strategy { return Zoned{SafeDistance: safe, Margin: margin} },
	"potential-field":        func(float64, float64) Strategy { return Straight{} },
	"local-mapping":          func(float64, float64) Strategy { return Straight{} },
	"reinforcement-learning": func(float64, float64) Strategy { return Straight{} },
}

// StrategyNames lists the names accepted by NewStrategy.
func StrategyNames() []string {
	names := make([]string, 0, len(strategyFactories))
	for name := range strategyFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStrategy builds the named strategy with the given thresholds.
func NewStrategy(name string, safeDistance, margin float64) (Strategy, error) {
	f, ok := strategyFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (want one of %v)", name, StrategyNames())
	}
	return f(safeDistance, margin), nil
}
