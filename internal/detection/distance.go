package detection

// DistanceEstimator turns a detection's pixel height into a range using the
// per-label calibration. Apparent height is inversely proportional to range,
// so interpolation happens between the reciprocals of the height ratios.
type DistanceEstimator struct {
	Metrics MetricsTable
}

// NewDistanceEstimator returns an estimator backed by metrics.
func NewDistanceEstimator(metrics MetricsTable) *DistanceEstimator {
	return &DistanceEstimator{Metrics: metrics}
}

// Estimate returns the range of det in a frame cameraHeight pixels tall.
// The second result is false when the label has no calibration or the
// camera height is zero.
func (e *DistanceEstimator) Estimate(det Detection, cameraHeight int) (float64, bool) {
	m, ok := e.Metrics[det.Label]
	if !ok || cameraHeight == 0 {
		return 0, false
	}

	ratio := det.BBox.Height() / float64(cameraHeight)
	switch {
	case ratio <= m.MinHeightRatio:
		return m.EstimatedMaxDistance, true
	case ratio >= m.MaxHeightRatio:
		return m.EstimatedMinDistance, true
	}

	span := 1/m.MinHeightRatio - 1/m.MaxHeightRatio
	t := (1/ratio - 1/m.MaxHeightRatio) / span
	return m.EstimatedMinDistance + (m.EstimatedMaxDistance-m.EstimatedMinDistance)*t, true
}

// Apply sets Distance on every detection in place, using each detection's
// own CameraHeight. Detections that cannot be estimated get a nil Distance.
func (e *DistanceEstimator) Apply(dets []Detection) {
	for i := range dets {
		if d, ok := e.Estimate(dets[i], dets[i].CameraHeight); ok {
			dets[i].SetDistance(d)
		} else {
			dets[i].Distance = nil
		}
	}
}
