package pipeline

import (
	"sync"
)

// BufferStats contains FrameBuffer counters
type BufferStats struct {
	Submitted uint64 `json:"submitted"` // Frames accepted by Submit
	Promoted  uint64 `json:"promoted"`  // Frames handed to the detector
	Dropped   uint64 `json:"dropped"`   // Frames overwritten before promotion
	Discarded uint64 `json:"discarded"` // Frames released by Reset
	Pending   bool   `json:"pending"`   // A frame waits in the latest slot
	InFlight  bool   `json:"in_flight"` // A frame is being detected
}

// FrameBuffer holds at most one waiting frame and at most one in-flight frame.
// A newer submission overwrites the waiting frame; the overwritten frame is
// released and counted as dropped. Frames are never queued.
type FrameBuffer struct {
	mu       sync.Mutex
	latest   *Frame
	inFlight *Frame
	seq      uint64
	stats    BufferStats
}

// NewFrameBuffer creates an empty frame buffer
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Submit stores frame as the latest frame and returns true when nothing is in
// flight, meaning the caller should promote it.
func (b *FrameBuffer) Submit(frame *Frame) bool {
	if frame == nil {
		return false
	}

	b.mu.Lock()
	b.seq++
	frame.Seq = b.seq
	replaced := b.latest
	b.latest = frame
	b.stats.Submitted++
	if replaced != nil {
		b.stats.Dropped++
	}
	ready := b.inFlight == nil
	b.mu.Unlock()

	if replaced != nil {
		replaced.Release()
	}
	return ready
}

// PromoteNext moves the latest frame into the in-flight slot and returns it.
// Returns nil when a frame is already in flight or nothing is waiting.
func (b *FrameBuffer) PromoteNext() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.promoteLocked()
}

// CompleteInFlight clears the in-flight slot and promotes the next frame, if any
func (b *FrameBuffer) CompleteInFlight() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = nil
	return b.promoteLocked()
}

func (b *FrameBuffer) promoteLocked() *Frame {
	if b.inFlight != nil || b.latest == nil {
		return nil
	}
	b.inFlight = b.latest
	b.latest = nil
	b.stats.Promoted++
	return b.inFlight
}

// Reset empties both slots. The waiting frame is released; the in-flight frame
// is forgotten and remains the responsibility of whoever is detecting it.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	waiting := b.latest
	b.latest = nil
	b.inFlight = nil
	if waiting != nil {
		b.stats.Discarded++
	}
	b.mu.Unlock()

	if waiting != nil {
		waiting.Release()
	}
}

// Stats returns a copy of the buffer counters
func (b *FrameBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = b.latest != nil
	s.InFlight = b.inFlight != nil
	return s
}
