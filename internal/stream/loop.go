package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/castview/browserd/internal/metrics"
)

// Frame rate and encode quality bounds. Out-of-range requests clamp to
// the nearest bound instead of being rejected.
const (
	MinFPS     = 1
	MaxFPS     = 60
	MinQuality = 10
	MaxQuality = 100
)

const (
	defaultIdleDelay      = 100 * time.Millisecond
	defaultErrorBackoff   = 500 * time.Millisecond
	defaultCaptureTimeout = 10 * time.Second
)

// ClampFPS bounds a requested frame rate to [MinFPS, MaxFPS].
func ClampFPS(fps int) int {
	return clamp(fps, MinFPS, MaxFPS)
}

// ClampQuality bounds a requested encode quality to [MinQuality, MaxQuality].
func ClampQuality(quality int) int {
	return clamp(quality, MinQuality, MaxQuality)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PageProvider yields the automation context of the page to capture, or
// false when no page is currently available.
type PageProvider func() (context.Context, bool)

// CaptureFunc captures one encoded JPEG frame at the given quality.
type CaptureFunc func(ctx context.Context, quality int) ([]byte, error)

// LoopConfig tunes the capture loop's delays.
type LoopConfig struct {
	IdleDelay      time.Duration
	ErrorBackoff   time.Duration
	CaptureTimeout time.Duration
}

// Loop is the background frame capture task. State machine:
// Stopped -> Running -> Stopped. Start while running updates parameters
// without spawning a second task; a transient capture failure backs off
// and retries, the loop only exits on Stop.
type Loop struct {
	slot    *Slot
	pages   PageProvider
	capture CaptureFunc
	cfg     LoopConfig
	logger  *zap.Logger

	mu         sync.Mutex
	running    bool
	fps        int
	quality    int
	limiter    *rate.Limiter
	stopCh     chan struct{}
	doneCh     chan struct{}
	cancelWait context.CancelFunc
}

// NewLoop constructs a stopped Loop.
func NewLoop(slot *Slot, pages PageProvider, capture CaptureFunc, cfg LoopConfig, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = defaultIdleDelay
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	return &Loop{
		slot:    slot,
		pages:   pages,
		capture: capture,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start transitions to Running, clamping fps and quality, and returns
// the effective values. If the loop is already running only the
// parameters change; exactly one capture task ever runs.
func (l *Loop) Start(fps, quality int) (int, int) {
	fps = ClampFPS(fps)
	quality = ClampQuality(quality)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.fps = fps
	l.quality = quality
	if l.running {
		l.limiter.SetLimit(rate.Limit(fps))
		l.logger.Info("capture parameters updated", zap.Int("fps", fps), zap.Int("quality", quality))
		return fps, quality
	}

	l.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	waitCtx, cancel := context.WithCancel(context.Background())
	l.cancelWait = cancel
	l.running = true

	go l.run(l.stopCh, l.doneCh, waitCtx)
	l.logger.Info("capture loop started", zap.Int("fps", fps), zap.Int("quality", quality))
	return fps, quality
}

// Stop requests the loop to exit and waits for the in-flight iteration
// to observe the flag. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.cancelWait()
	done := l.doneCh
	l.mu.Unlock()

	<-done
	l.logger.Info("capture loop stopped")
}

// Running reports whether a capture task is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Settings returns the current fps and quality.
func (l *Loop) Settings() (fps, quality int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fps, l.quality
}

// SetSettings updates fps and/or quality (nil leaves a value unchanged)
// and returns the effective pair. The running loop picks the new values
// up on its next iteration.
func (l *Loop) SetSettings(fps, quality *int) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fps != nil {
		l.fps = ClampFPS(*fps)
		if l.limiter != nil {
			l.limiter.SetLimit(rate.Limit(l.fps))
		}
	}
	if quality != nil {
		l.quality = ClampQuality(*quality)
	}
	return l.fps, l.quality
}

func (l *Loop) run(stopCh chan struct{}, doneCh chan struct{}, waitCtx context.Context) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		pageCtx, ok := l.pages()
		if !ok {
			if !l.sleep(stopCh, l.cfg.IdleDelay) {
				return
			}
			continue
		}

		_, quality := l.Settings()
		capCtx, cancel := context.WithTimeout(pageCtx, l.cfg.CaptureTimeout)
		data, err := l.capture(capCtx, quality)
		cancel()
		if err != nil {
			metrics.ObserveCaptureError()
			l.logger.Warn("frame capture failed", zap.Error(err))
			if !l.sleep(stopCh, l.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		l.slot.Publish(data, time.Now().UTC())
		metrics.ObserveFrame()

		if err := l.pacer().Wait(waitCtx); err != nil {
			// Wait only fails when Stop cancels the pacing context; the
			// stop flag is observed at the top of the loop.
			continue
		}
	}
}

func (l *Loop) pacer() *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter
}

// sleep waits for d or until stop; it reports false when stopping.
func (l *Loop) sleep(stopCh chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
