// Package system is the wall clock behind session activity stamps; tests
// substitute their own Clock to control idle reaping.
package system

import "time"

// Clock reads wall time from the operating system.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, matching the timestamps stored on
// sessions and frames.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
