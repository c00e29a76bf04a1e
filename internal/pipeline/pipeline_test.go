package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robot.navigator/internal/annotate"
	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
	"github.com/banshee-data/robot.navigator/internal/tracking"
)

var testMetrics = detection.MetricsTable{
	"robot": {
		ClassName:            "robot",
		MinHeightRatio:       0.08,
		MaxHeightRatio:       0.6,
		EstimatedMinDistance: 0.1,
		EstimatedMaxDistance: 1.5,
	},
}

// robotDetector reports one robot spanning rows 20..80 of every frame.
var robotDetector = detection.DetectorFunc(func(f *frame.Frame, camera int) ([]detection.Detection, error) {
	return []detection.Detection{{
		Label:      "robot",
		BBox:       detection.BBox{X1: 10, Y1: 20, X2: 40, Y2: 80},
		Confidence: 0.8,
	}}, nil
})

type recordingStage struct {
	name string
	log  *[]string
}

func (r recordingStage) Name() string { return r.name }

func (r recordingStage) Process(s *sensor.Snapshot) *sensor.Snapshot {
	*r.log = append(*r.log, r.name)
	return s
}

func TestManagerRunsStagesInOrderAndPublishes(t *testing.T) {
	hub := sensor.NewHub()
	var order []string
	m := NewManager(hub,
		recordingStage{"a", &order},
		recordingStage{"b", &order},
		recordingStage{"c", &order},
	)
	assert.Equal(t, []string{"a", "b", "c"}, m.StageNames())

	left, right := frame.New(4, 4), frame.New(4, 4)
	s := m.ProcessAndPublish(left, right)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Same(t, s, hub.Latest())
	assert.Same(t, left, s.LeftFrame)
	assert.Same(t, right, s.RightFrame)
	assert.Equal(t, uint64(1), s.Seq)

	s2 := m.ProcessAndPublish(left, right)
	assert.Equal(t, uint64(2), s2.Seq)
	assert.NotSame(t, s, s2, "every cycle gets a fresh snapshot")
	assert.Equal(t, uint64(2), m.Published())
}

type nilStage struct{}

func (nilStage) Name() string                              { return "nil" }
func (nilStage) Process(*sensor.Snapshot) *sensor.Snapshot { return nil }

func TestManagerIgnoresNilStageResult(t *testing.T) {
	hub := sensor.NewHub()
	m := NewManager(hub, nilStage{}, NewDetectionStage(robotDetector))
	s := m.ProcessAndPublish(frame.New(4, 4), frame.New(4, 4))
	require.NotNil(t, s)
	assert.Len(t, s.LeftDetections, 1)
}

func TestEndToEndDistanceAtMaxHeightRatio(t *testing.T) {
	hub := sensor.NewHub()
	m := NewManager(hub,
		NewDetectionStage(robotDetector),
		NewDistanceStage(detection.NewDistanceEstimator(testMetrics)),
	)
	// 60 of 100 rows is exactly the robot's max height ratio.
	m.ProcessAndPublish(frame.New(100, 100), frame.New(100, 100))

	s := hub.Latest()
	require.NotNil(t, s)
	require.Len(t, s.LeftDetections, 1)
	d := s.LeftDetections[0]
	assert.Equal(t, 100, d.CameraHeight, "detection stage fills in the frame size")
	require.NotNil(t, d.Distance)
	assert.Equal(t, 0.1, *d.Distance)
}

func TestDistanceStageClearsUnknownLabels(t *testing.T) {
	s := &sensor.Snapshot{LeftDetections: []detection.Detection{{
		Label:        "wall_left",
		BBox:         detection.BBox{Y1: 0, Y2: 10},
		CameraHeight: 100,
	}}}
	s.LeftDetections[0].SetDistance(9)

	NewDistanceStage(detection.NewDistanceEstimator(testMetrics)).Process(s)
	assert.Nil(t, s.LeftDetections[0].Distance)
}

func TestStagesPassThroughWithoutCapability(t *testing.T) {
	var nilDetector *detection.Smoother
	stages := []Stage{
		NewDetectionStage(nil),
		NewDetectionStage(nilDetector),
		NewDistanceStage(nil),
		NewTrackingStage(nil),
		NewCameraTrackingStage(nil),
		NewAnnotationStage(nil),
	}
	left, right := frame.New(4, 4), frame.New(4, 4)
	for _, st := range stages {
		t.Run(st.Name(), func(t *testing.T) {
			in := &sensor.Snapshot{LeftFrame: left, RightFrame: right}
			for i := 0; i < 2; i++ {
				out := st.Process(in)
				assert.Same(t, in, out)
				assert.Empty(t, out.LeftDetections)
				assert.Empty(t, out.Tracks)
				assert.Nil(t, out.LeftAnnotated)
			}
		})
	}
}

func TestDetectionStageKeepsPipelineLiveOnError(t *testing.T) {
	failing := detection.DetectorFunc(func(*frame.Frame, int) ([]detection.Detection, error) {
		return nil, errors.New("inference failed")
	})
	s := NewDetectionStage(failing).Process(&sensor.Snapshot{LeftFrame: frame.New(2, 2), RightFrame: frame.New(2, 2)})
	assert.Empty(t, s.LeftDetections)
	assert.Empty(t, s.RightDetections)
}

func TestTrackingStageAgesTracksWhenOneSideIsEmpty(t *testing.T) {
	cfg := tracking.DefaultStereoConfig()
	cfg.MaxAge = 3
	st := NewTrackingStage(tracking.NewStereoTracker(nil, cfg))
	robot := []detection.Detection{{Label: "robot", BBox: detection.BBox{X2: 2, Y2: 2}}}

	s := st.Process(&sensor.Snapshot{LeftDetections: robot, RightDetections: robot})
	require.Len(t, s.Tracks, 1)
	assert.Equal(t, 0, s.Tracks[0].ID)
	assert.Equal(t, 1, s.Tracks[0].Age)

	// Only the left camera sees the robot: nothing is paired, but the track
	// keeps ageing and stays visible until it passes MaxAge.
	for _, wantAge := range []int{2, 3} {
		s = st.Process(&sensor.Snapshot{LeftDetections: robot})
		require.Len(t, s.Tracks, 1)
		assert.Equal(t, wantAge, s.Tracks[0].Age)
	}
	s = st.Process(&sensor.Snapshot{LeftDetections: robot})
	assert.Empty(t, s.Tracks, "track older than MaxAge is pruned")

	s = st.Process(&sensor.Snapshot{LeftDetections: robot, RightDetections: robot})
	require.Len(t, s.Tracks, 1)
	assert.Equal(t, 1, s.Tracks[0].ID, "a pruned track is not revived")
}

func TestCameraTrackingStageAssignsIDs(t *testing.T) {
	st := NewCameraTrackingStage(tracking.NewIoUTracker(0.3, 3))
	s := &sensor.Snapshot{
		LeftDetections:  []detection.Detection{{Label: "robot", BBox: detection.BBox{X2: 10, Y2: 10}}},
		RightDetections: []detection.Detection{{Label: "robot", BBox: detection.BBox{X2: 10, Y2: 10}}},
	}
	st.Process(s)
	require.NotNil(t, s.LeftDetections[0].TrackID)
	require.NotNil(t, s.RightDetections[0].TrackID)
	assert.NotEqual(t, *s.LeftDetections[0].TrackID, *s.RightDetections[0].TrackID)
}

func TestAnnotationStage(t *testing.T) {
	hub := sensor.NewHub()
	m := NewManager(hub, NewDetectionStage(robotDetector), NewAnnotationStage(annotate.New()))
	left, right := frame.New(100, 100), frame.New(100, 100)
	s := m.ProcessAndPublish(left, right)

	require.NotNil(t, s.LeftAnnotated)
	require.NotNil(t, s.RightAnnotated)
	assert.NotSame(t, left, s.LeftAnnotated)
	assert.Equal(t, annotate.ColorFor("robot"), s.LeftAnnotated.Image.RGBAAt(10, 20))
	assert.Zero(t, left.Image.RGBAAt(10, 20).A, "raw frame is not drawn on")
}

type fakeSource struct {
	mu     sync.Mutex
	frames map[int]*frame.Frame
}

func (s *fakeSource) Frame(i int) *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i].Clone()
}

func (s *fakeSource) set(i int, f *frame.Frame) {
	s.mu.Lock()
	s.frames[i] = f
	s.mu.Unlock()
}

func TestRunnerStepWaitsForBothCameras(t *testing.T) {
	src := &fakeSource{frames: map[int]*frame.Frame{}}
	hub := sensor.NewHub()
	r := NewRunner(src, nil, NewManager(hub), time.Millisecond, nil)

	assert.False(t, r.Step())
	src.set(0, frame.New(4, 4))
	assert.False(t, r.Step())
	assert.Nil(t, hub.Latest())

	src.set(1, frame.New(4, 4))
	assert.True(t, r.Step())
	assert.NotNil(t, hub.Latest())

	cycles, skipped := r.Stats()
	assert.Equal(t, uint64(1), cycles)
	assert.Equal(t, uint64(2), skipped)
}

func TestRunnerCropsBeforeProcessing(t *testing.T) {
	cropper, err := frame.NewRegionCropper(frame.CropConfig{LeftX: 0, LeftY: 0, RightX: 2, RightY: 2, Width: 4, Height: 3})
	require.NoError(t, err)

	src := &fakeSource{frames: map[int]*frame.Frame{0: frame.New(10, 10), 1: frame.New(10, 10)}}
	hub := sensor.NewHub()
	r := NewRunner(src, cropper, NewManager(hub), time.Millisecond, nil)

	require.True(t, r.Step())
	s := hub.Latest()
	assert.Equal(t, image.Rect(0, 0, 4, 3), s.LeftFrame.Image.Rect)
	assert.Equal(t, image.Rect(0, 0, 4, 3), s.RightFrame.Image.Rect)

	// A region outside the frame yields no pair and nothing is published.
	src.set(1, frame.New(3, 3))
	assert.False(t, r.Step())
	assert.Same(t, s, hub.Latest())
}

func TestRunnerRunTicks(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := &fakeSource{frames: map[int]*frame.Frame{0: frame.New(2, 2), 1: frame.New(2, 2)}}
	hub := sensor.NewHub()
	r := NewRunner(src, nil, NewManager(hub), 33*time.Millisecond, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(33 * time.Millisecond)
	require.Eventually(t, func() bool { return hub.Latest() != nil }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
