package events

import "context"

// Sink consumes diagnostic events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// registry and session manager stay agnostic about buffering or delivery.
type Emitter interface {
	Emit(evt Event)
}
