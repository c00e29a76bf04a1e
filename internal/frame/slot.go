package frame

import "sync/atomic"

// Slot is a single-writer latest-frame cell. Store replaces whatever was
// there; unread frames are dropped. Readers never observe a partially
// written frame because the whole frame is published by one pointer swap.
type Slot struct {
	latest atomic.Pointer[Frame]
	stored atomic.Uint64
}

// Store publishes f. The slot takes ownership; the caller must not modify f
// afterwards.
func (s *Slot) Store(f *Frame) {
	s.latest.Store(f)
	s.stored.Add(1)
}

// Load returns an independent copy of the latest frame, or nil before the
// first Store.
func (s *Slot) Load() *Frame {
	return s.latest.Load().Clone()
}

// Stored reports how many frames have been published, including the ones
// that were overwritten before anyone read them.
func (s *Slot) Stored() uint64 {
	return s.stored.Load()
}

// Clear drops the current frame.
func (s *Slot) Clear() {
	s.latest.Store(nil)
}
