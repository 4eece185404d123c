package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/castview/browserd/internal/metrics"
)

// Boundary is the multipart boundary token used by the MJPEG stream.
const Boundary = "frame"

const defaultViewerYield = 10 * time.Millisecond

// Multiplexer serves the latest-frame slot to any number of concurrent
// viewers. Each viewer is an independent infinite writer polling the
// slot; the snapshot is taken under the slot lock and streamed after the
// lock is released, so a slow viewer never blocks capture or its peers.
type Multiplexer struct {
	slot   *Slot
	yield  time.Duration
	logger *zap.Logger
}

// NewMultiplexer constructs a Multiplexer over the given slot.
func NewMultiplexer(slot *Slot, yield time.Duration, logger *zap.Logger) *Multiplexer {
	if yield <= 0 {
		yield = defaultViewerYield
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{slot: slot, yield: yield, logger: logger}
}

// ContentType returns the MJPEG response content type.
func (m *Multiplexer) ContentType() string {
	return "multipart/x-mixed-replace; boundary=" + Boundary
}

// StreamTo writes an infinite multipart frame sequence to w until ctx is
// cancelled (viewer detached) or a write fails. A frame already sent is
// not re-sent; a viewer attaching late receives the newest frame on its
// first poll.
func (m *Multiplexer) StreamTo(ctx context.Context, w io.Writer, flush func()) error {
	metrics.IncViewers()
	defer metrics.DecViewers()

	var lastSent time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if frame, ok := m.slot.Snapshot(); ok && frame.CapturedAt.After(lastSent) {
			if err := writePart(w, frame.Data); err != nil {
				return fmt.Errorf("write frame part: %w", err)
			}
			if flush != nil {
				flush()
			}
			lastSent = frame.CapturedAt
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.yield):
		}
	}
}

func writePart(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
