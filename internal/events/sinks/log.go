// Package sinks provides Sink implementations for the diagnostic event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/castview/browserd/internal/events"
)

// LogSink emits structured logs for page diagnostics. Console output and
// uncaught page errors land here so operators can follow what a driven
// page is doing without attaching a debugger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt events.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(evt.Kind)),
		zap.String("page_id", evt.PageID),
		zap.String("session_id", evt.SessionID),
		zap.String("level", evt.Level),
		zap.String("text", evt.Text),
	}
	if evt.Kind == events.KindPageError {
		s.logger.Warn("page event", fields...)
		return nil
	}
	s.logger.Info("page event", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
