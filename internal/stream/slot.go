// Package stream implements the frame capture loop, the shared
// latest-frame slot, and the MJPEG multiplexer serving it to viewers.
package stream

import (
	"sync"
	"time"
)

// Frame is one encoded JPEG capture plus its timestamp.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Slot holds the most recent frame. The capture loop is the only writer;
// any number of viewers read it. Publish swaps the whole frame, so a
// reader snapshot is always a complete image, never a partial write.
type Slot struct {
	mu    sync.Mutex
	frame Frame
}

// NewSlot returns an empty Slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish replaces the current frame.
func (s *Slot) Publish(data []byte, capturedAt time.Time) {
	s.mu.Lock()
	s.frame = Frame{Data: data, CapturedAt: capturedAt}
	s.mu.Unlock()
}

// Snapshot returns the current frame, if any. Callers receive a copy of
// the frame header referencing the published (immutable) byte slice and
// must not hold the slot's lock while streaming it.
func (s *Slot) Snapshot() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame.Data == nil {
		return Frame{}, false
	}
	return s.frame, true
}
