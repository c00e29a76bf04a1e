package pipeline

import (
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/annotate"
	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/tracking"
)

// stageBase carries the logger and the log-once state shared by every stage.
type stageBase struct {
	log  *logrus.Entry
	once monitoring.Once
}

func newStageBase(name string) stageBase {
	return stageBase{log: monitoring.WithComponent("pipeline").WithField("stage", name)}
}

// unavailable logs, once, that the stage's capability is missing.
func (b *stageBase) unavailable(what string) {
	b.once.Warn(b.log, "unavailable", what+" not available; stage is a passthrough")
}

// DetectionStage runs the detector on both frames.
type DetectionStage struct {
	stageBase
	detector detection.Detector
}

// NewDetectionStage wraps d. A nil detector leaves detections empty.
func NewDetectionStage(d detection.Detector) *DetectionStage {
	return &DetectionStage{stageBase: newStageBase("detection"), detector: d}
}

func (*DetectionStage) Name() string { return "detection" }

func (st *DetectionStage) Process(s *sensor.Snapshot) *sensor.Snapshot {
	if isNil(st.detector) {
		st.unavailable("detector")
		return s
	}
	s.LeftDetections = st.detect(s.LeftFrame, 0)
	s.RightDetections = st.detect(s.RightFrame, 1)
	return s
}

func (st *DetectionStage) detect(f *frame.Frame, camera int) []detection.Detection {
	if f == nil {
		return nil
	}
	dets, err := st.detector.Detect(f, camera)
	if err != nil {
		st.log.Warnf("camera %d: detection failed: %v", camera, err)
		return nil
	}
	for i := range dets {
		if dets[i].CameraWidth == 0 {
			dets[i].CameraWidth = f.Width()
		}
		if dets[i].CameraHeight == 0 {
			dets[i].CameraHeight = f.Height()
		}
	}
	return dets
}

// DistanceStage sets Distance on every detection. After it runs each
// detection's Distance is either a range or explicitly nil.
type DistanceStage struct {
	stageBase
	estimator *detection.DistanceEstimator
}

// NewDistanceStage wraps e.
func NewDistanceStage(e *detection.DistanceEstimator) *DistanceStage {
	return &DistanceStage{stageBase: newStageBase("distance"), estimator: e}
}

func (*DistanceStage) Name() string { return "distance" }

func (st *DistanceStage) Process(s *sensor.Snapshot) *sensor.Snapshot {
	if st.estimator == nil {
		st.unavailable("distance estimator")
		return s
	}
	st.estimator.Apply(s.LeftDetections)
	st.estimator.Apply(s.RightDetections)
	return s
}

// TrackingStage feeds both cameras' detections to the stereo tracker. The
// tracker advances every cycle, so tracks age and are pruned even while one
// camera sees nothing.
type TrackingStage struct {
	stageBase
	tracker *tracking.StereoTracker
}

// NewTrackingStage wraps t.
func NewTrackingStage(t *tracking.StereoTracker) *TrackingStage {
	return &TrackingStage{stageBase: newStageBase("tracking"), tracker: t}
}

func (*TrackingStage) Name() string { return "tracking" }

func (st *TrackingStage) Process(s *sensor.Snapshot) *sensor.Snapshot {
	if st.tracker == nil {
		st.unavailable("stereo tracker")
		return s
	}
	s.Tracks = st.tracker.Update(s.LeftDetections, s.RightDetections)
	return s
}

// CameraTrackingStage assigns per-camera track ids with the IoU tracker.
type CameraTrackingStage struct {
	stageBase
	tracker *tracking.IoUTracker
}

// NewCameraTrackingStage wraps t.
func NewCameraTrackingStage(t *tracking.IoUTracker) *CameraTrackingStage {
	return &CameraTrackingStage{stageBase: newStageBase("camera-tracking"), tracker: t}
}

func (*CameraTrackingStage) Name() string { return "camera-tracking" }

func (st *CameraTrackingStage) Process(s *sensor.Snapshot) *sensor.Snapshot {
	if st.tracker == nil {
		st.unavailable("IoU tracker")
		return s
	}
	st.tracker.Update(s.LeftDetections, 0)
	st.tracker.Update(s.RightDetections, 1)
	return s
}

// AnnotationStage draws the detections onto copies of the frames.
type AnnotationStage struct {
	stageBase
	annotator *annotate.Annotator
}

// NewAnnotationStage wraps a.
func NewAnnotationStage(a *annotate.Annotator) *AnnotationStage {
	return &AnnotationStage{stageBase: newStageBase("annotation"), annotator: a}
}

func (*AnnotationStage) Name() string { return "annotation" }

func (st *AnnotationStage) Process(s *sensor.Snapshot) *sensor.Snapshot {
	if st.annotator == nil {
		st.unavailable("annotator")
		return s
	}
	s.LeftAnnotated = st.annotator.Draw(s.LeftFrame, s.LeftDetections)
	s.RightAnnotated = st.annotator.Draw(s.RightFrame, s.RightDetections)
	return s
}
