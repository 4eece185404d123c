// Package engine owns the lifecycle of the headless Chrome process driven
// over the DevTools protocol via chromedp.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrNotStarted indicates an operation was attempted before Start.
var ErrNotStarted = errors.New("engine not started")

// Config controls the launched browser process.
type Config struct {
	BrowserType    string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// Engine holds one launched browser process and the root automation
// context every browsing context derives from. Start is idempotent and
// guarded against concurrent double-launch; Stop tears everything down.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	// warmup defaults to chromedp.Run; tests swap it to avoid a browser.
	warmup        func(context.Context) error
	launchTimeout time.Duration

	started atomic.Bool

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

const defaultLaunchTimeout = 30 * time.Second

// New constructs an Engine; the browser is not launched until Start.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BrowserType == "" {
		cfg.BrowserType = "chromium"
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 720
	}
	return &Engine{
		cfg:           cfg,
		logger:        logger,
		warmup:        func(ctx context.Context) error { return chromedp.Run(ctx) },
		launchTimeout: defaultLaunchTimeout,
	}
}

// Start launches the browser process. A second call while the engine is
// running (or while another Start is in flight) returns nil without
// launching again. On launch failure no partial state is retained.
func (e *Engine) Start(ctx context.Context, kind string, headless bool) error {
	if kind == "" {
		kind = e.cfg.BrowserType
	}
	if kind != "chromium" {
		return fmt.Errorf("browser type %q is not supported", kind)
	}

	if e.started.Load() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started.Load() {
		return nil
	}

	// The sandbox and site-isolation flags below are disabled on purpose:
	// automation targets routinely break under origin isolation and the
	// service already assumes a trusted network boundary. This trades
	// security isolation for compatibility.
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.Flag("disable-site-isolation-trials", true),
		chromedp.WindowSize(e.cfg.ViewportWidth, e.cfg.ViewportHeight),
	)
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Warmup run forces the process launch so a missing binary or
	// resource exhaustion surfaces here instead of on the first command.
	// The launch is bounded; a wedged process must not hold the engine
	// lock forever. The warmup runs against the browser context itself
	// because the first Run binds the process lifetime to its context.
	errCh := make(chan error, 1)
	go func() { errCh <- e.warmup(browserCtx) }()
	var launchErr error
	select {
	case launchErr = <-errCh:
	case <-time.After(e.launchTimeout):
		launchErr = fmt.Errorf("timed out after %s", e.launchTimeout)
	}
	if launchErr != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", launchErr)
	}

	select {
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return fmt.Errorf("engine start: %w", ctx.Err())
	default:
	}

	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.browserCancel = browserCancel
	e.started.Store(true)
	e.logger.Info("browser started",
		zap.String("type", kind),
		zap.Bool("headless", headless),
		zap.Int("viewport_width", e.cfg.ViewportWidth),
		zap.Int("viewport_height", e.cfg.ViewportHeight),
	)
	return nil
}

// Stop cancels the browser and allocator contexts and releases the
// process. Callers must cascade-close contexts (and stop the capture
// loop) before invoking Stop; cancelling the root context invalidates
// every derived browsing context. Stop on a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started.Load() {
		return nil
	}

	e.started.Store(false)
	if err := chromedp.Cancel(e.browserCtx); err != nil {
		e.logger.Warn("graceful browser shutdown failed", zap.Error(err))
		e.browserCancel()
	}
	e.allocCancel()
	e.allocCancel = nil
	e.browserCtx = nil
	e.browserCancel = nil

	select {
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	default:
	}
	e.logger.Info("browser stopped")
	return nil
}

// Started reports whether the browser process is running.
func (e *Engine) Started() bool {
	return e.started.Load()
}

// BrowserContext returns the root automation context new browsing
// contexts derive from.
func (e *Engine) BrowserContext() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started.Load() || e.browserCtx == nil {
		return nil, ErrNotStarted
	}
	return e.browserCtx, nil
}

// Viewport returns the fixed engine viewport dimensions.
func (e *Engine) Viewport() (width, height int) {
	return e.cfg.ViewportWidth, e.cfg.ViewportHeight
}
