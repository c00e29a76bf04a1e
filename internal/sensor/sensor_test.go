package sensor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
)

func TestHubLatestBeforeUpdate(t *testing.T) {
	h := NewHub()
	assert.Nil(t, h.Latest())
}

func TestHubReturnsPublishedSnapshot(t *testing.T) {
	h := NewHub()
	s := &Snapshot{Seq: 1}
	h.Update(s)
	assert.Same(t, s, h.Latest())

	s2 := &Snapshot{Seq: 2}
	h.Update(s2)
	assert.Same(t, s2, h.Latest())
}

func TestHubConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 1000; i++ {
			// Seq and the detection count are written together; a reader must
			// never see them disagree.
			h.Update(&Snapshot{Seq: i, LeftDetections: make([]detection.Detection, i%7)})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if s := h.Latest(); s != nil {
					assert.Equal(t, int(s.Seq%7), len(s.LeftDetections))
				}
			}
		}()
	}
	wg.Wait()
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)

	s1, s2 := &Snapshot{Seq: 1}, &Snapshot{Seq: 2}
	h.Update(s1)
	h.Update(s2) // dropped, subscriber buffer is full

	got := <-ch
	assert.Same(t, s1, got)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected snapshot %d", extra.Seq)
	default:
	}
	assert.Same(t, s2, h.Latest(), "the slot is unaffected by slow subscribers")

	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel closed on unsubscribe")
	h.Unsubscribe(id) // second call is a no-op
}

func TestSnapshotFrames(t *testing.T) {
	raw, ann := frame.New(2, 2), frame.New(2, 2)
	s := &Snapshot{LeftFrame: raw, RightFrame: raw, LeftAnnotated: ann}

	l, r := s.Frames(false)
	assert.Same(t, raw, l)
	assert.Same(t, raw, r)

	l, r = s.Frames(true)
	assert.Same(t, ann, l)
	assert.Same(t, raw, r, "falls back to raw when annotation is missing")

	var nilSnap *Snapshot
	l, r = nilSnap.Frames(true)
	assert.Nil(t, l)
	assert.Nil(t, r)
}

func TestSnapshotDetections(t *testing.T) {
	s := &Snapshot{
		LeftDetections:  []detection.Detection{{Label: "robot"}},
		RightDetections: []detection.Detection{{Label: "wall_left"}, {Label: "wall_top"}},
	}
	require.Len(t, s.Detections(0), 1)
	require.Len(t, s.Detections(1), 2)
	assert.Nil(t, s.Detections(2))
}
