package sinks

import (
	"context"

	"github.com/castview/browserd/internal/events"
	"github.com/castview/browserd/internal/metrics"
)

// MetricsSink counts diagnostic events by kind in the shared Prometheus
// collectors. metrics.Init must have run before events flow.
type MetricsSink struct{}

// NewMetricsSink constructs a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume increments the per-kind event counter.
func (MetricsSink) Consume(_ context.Context, evt events.Event) error {
	metrics.ObservePageEvent(string(evt.Kind))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (MetricsSink) Close(context.Context) error {
	return nil
}
