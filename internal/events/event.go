// Package events defines the passive diagnostic events observed on pages.
package events

import (
	"errors"
	"time"
)

// Kind denotes the type of diagnostic event.
type Kind string

// Supported event kinds.
const (
	KindConsole     Kind = "CONSOLE"
	KindPageError   Kind = "PAGE_ERROR"
	KindSessionOpen Kind = "SESSION_OPEN"
	KindSessionGone Kind = "SESSION_CLOSE"
)

// Event captures a single passive observation from a page or session.
// Observers emit these for diagnostics only; they never influence the
// outcome of the request that triggered them.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes what was observed.
	Kind Kind
	// PageID scopes the event to a registry page, when applicable.
	PageID string
	// SessionID scopes the event to a session, when applicable.
	SessionID string
	// Level carries the console severity (log, warn, error) for console events.
	Level string
	// Text is the human-readable payload (console line, error message).
	Text string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	if e.TS.IsZero() {
		return errors.New("event timestamp is required")
	}
	return nil
}
