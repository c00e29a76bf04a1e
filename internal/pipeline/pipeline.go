// Package pipeline turns a stereo frame pair into a published snapshot. A
// Manager threads a fresh snapshot through a fixed list of stages and hands
// the result to the hub; a Runner feeds the manager from the capture slots.
package pipeline

import (
	"reflect"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

// Stage transforms a snapshot. A stage never fails: when it cannot do its
// part it returns the snapshot without that part.
type Stage interface {
	Name() string
	Process(s *sensor.Snapshot) *sensor.Snapshot
}

// Manager runs the stages in order and publishes the result.
type Manager struct {
	hub    *sensor.Hub
	stages []Stage
	clock  timeutil.Clock
	seq    atomic.Uint64
	log    *logrus.Entry
}

// NewManager returns a manager publishing to hub. The stage order is fixed
// for the life of the manager.
func NewManager(hub *sensor.Hub, stages ...Stage) *Manager {
	return &Manager{
		hub:    hub,
		stages: stages,
		clock:  timeutil.RealClock{},
		log:    monitoring.WithComponent("pipeline"),
	}
}

// SetClock replaces the clock used to stamp snapshots.
func (m *Manager) SetClock(c timeutil.Clock) {
	m.clock = c
}

// StageNames lists the stages in execution order.
func (m *Manager) StageNames() []string {
	names := make([]string, len(m.stages))
	for i, s := range m.stages {
		names[i] = s.Name()
	}
	return names
}

// ProcessAndPublish builds a snapshot from the pair, runs every stage and
// publishes the final snapshot.
func (m *Manager) ProcessAndPublish(left, right *frame.Frame) *sensor.Snapshot {
	s := &sensor.Snapshot{
		Seq:        m.seq.Add(1),
		Created:    m.clock.Now(),
		LeftFrame:  left,
		RightFrame: right,
	}
	for _, st := range m.stages {
		next := st.Process(s)
		if next == nil {
			m.log.Warnf("stage %s returned no snapshot; keeping its input", st.Name())
			continue
		}
		s = next
	}
	m.hub.Update(s)
	m.log.Tracef("published snapshot %d (%d/%d detections, %d tracks)",
		s.Seq, len(s.LeftDetections), len(s.RightDetections), len(s.Tracks))
	return s
}

// Published reports how many snapshots have been published.
func (m *Manager) Published() uint64 {
	return m.seq.Load()
}

// isNil reports whether i is nil or holds a nil pointer, so that a typed nil
// capability still counts as absent.
func isNil(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
