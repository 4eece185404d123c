// Package dispatcher validates and forwards single-shot page commands
// (navigate, screenshot, click, type, evaluate, read) to the automation
// engine. Engine-level failures are converted into structured results;
// only an unknown session surfaces as an error.
package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/castview/browserd/internal/metrics"
)

// Wait modes accepted by Navigate.
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
)

const (
	defaultNavTimeout  = 30 * time.Second
	defaultOpTimeout   = 10 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
	defaultShotQuality = 80
)

// SessionDirectory resolves session ids to page automation contexts and
// records activity.
type SessionDirectory interface {
	PageContext(sessionID string) (context.Context, error)
	Touch(sessionID string) error
}

// Config tunes command timeouts and screenshot encoding.
type Config struct {
	NavTimeout        time.Duration
	OpTimeout         time.Duration
	SettleDelay       time.Duration
	ScreenshotQuality int
	DefaultWaitMode   string
}

// Dispatcher executes page commands against sessions.
type Dispatcher struct {
	sessions SessionDirectory
	cfg      Config
	logger   *zap.Logger

	// run is swapped out in tests to avoid a live browser.
	run func(ctx context.Context, actions ...chromedp.Action) error
}

// New constructs a Dispatcher.
func New(sessions SessionDirectory, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ScreenshotQuality <= 0 {
		cfg.ScreenshotQuality = defaultShotQuality
	}
	if cfg.DefaultWaitMode == "" {
		cfg.DefaultWaitMode = WaitLoad
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		run:      chromedp.Run,
	}
}

// NavigateRequest carries navigate parameters. TimeoutMs of zero uses
// the configured default.
type NavigateRequest struct {
	SessionID string
	URL       string
	WaitUntil string
	TimeoutMs int
}

// NavigateResult reports the outcome of a navigation.
type NavigateResult struct {
	Success       bool   `json:"success"`
	URL           string `json:"url,omitempty"`
	Title         string `json:"title,omitempty"`
	Status        int64  `json:"status,omitempty"`
	ContentLength int64  `json:"contentLength,omitempty"`
	Error         string `json:"error,omitempty"`
}

// responseMeta records the main-document network response seen during a
// navigation. Concurrent event delivery requires the lock.
type responseMeta struct {
	mu     sync.Mutex
	status int64
	length int64
}

func (m *responseMeta) observe(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = ev.Response.Status
	if v, ok := ev.Response.Headers["Content-Length"].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.length = n
		}
	}
	if m.length == 0 && ev.Response.EncodedDataLength > 0 {
		m.length = int64(ev.Response.EncodedDataLength)
	}
}

func (m *responseMeta) snapshot() (status, length int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.length
}

// Navigate loads a URL in the session's page and waits for the
// requested condition. Navigation failures and timeouts are reported in
// the result, never raised.
func (d *Dispatcher) Navigate(req NavigateRequest) (NavigateResult, error) {
	pageCtx, err := d.sessions.PageContext(req.SessionID)
	if err != nil {
		return NavigateResult{}, err
	}

	wait := req.WaitUntil
	if wait == "" {
		wait = d.cfg.DefaultWaitMode
	}
	switch wait {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
	default:
		return NavigateResult{}, fmt.Errorf("unsupported wait condition %q", wait)
	}

	timeout := d.cfg.NavTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(pageCtx, timeout)
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			meta.observe(resp)
		}
	})

	var title, location string
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(req.URL),
	}
	// The load event has fired once Navigate returns; networkidle gets
	// an extra settle window for late subresource traffic.
	if wait == WaitNetworkIdle {
		actions = append(actions, chromedp.Sleep(d.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Title(&title),
		chromedp.Location(&location),
	)

	if err := d.run(ctx, actions...); err != nil {
		metrics.ObserveCommand("navigate", false)
		d.logger.Warn("navigation failed", zap.String("session_id", req.SessionID), zap.String("url", req.URL), zap.Error(err))
		return NavigateResult{Error: fmt.Sprintf("navigation failed: %v", err)}, nil
	}

	status, length := meta.snapshot()
	metrics.ObserveCommand("navigate", true)
	d.touch(req.SessionID)
	return NavigateResult{
		Success:       true,
		URL:           location,
		Title:         title,
		Status:        status,
		ContentLength: length,
	}, nil
}

// ScreenshotResult carries one base64-encoded JPEG capture.
type ScreenshotResult struct {
	Success    bool   `json:"success"`
	Screenshot string `json:"screenshot,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Screenshot captures the session's page, full scrollable height when
// fullPage is set, viewport only otherwise.
func (d *Dispatcher) Screenshot(sessionID string, fullPage bool) (ScreenshotResult, error) {
	pageCtx, err := d.sessions.PageContext(sessionID)
	if err != nil {
		return ScreenshotResult{}, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, d.cfg.OpTimeout)
	defer cancel()

	var buf []byte
	var action chromedp.Action
	if fullPage {
		action = chromedp.FullScreenshot(&buf, d.cfg.ScreenshotQuality)
	} else {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(d.cfg.ScreenshotQuality)).
				Do(ctx)
			if err != nil {
				return err
			}
			buf = data
			return nil
		})
	}

	if err := d.run(ctx, action); err != nil {
		metrics.ObserveCommand("screenshot", false)
		d.logger.Warn("screenshot failed", zap.String("session_id", sessionID), zap.Error(err))
		return ScreenshotResult{Error: fmt.Sprintf("screenshot failed: %v", err)}, nil
	}

	metrics.ObserveCommand("screenshot", true)
	d.touch(sessionID)
	return ScreenshotResult{Success: true, Screenshot: base64.StdEncoding.EncodeToString(buf)}, nil
}

// ExecuteResult carries the JSON-serialized value of an evaluated script.
type ExecuteResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EvaluateScript runs JavaScript in the session's page. Script
// exceptions are caught and reported in the result.
func (d *Dispatcher) EvaluateScript(sessionID, script string) (ExecuteResult, error) {
	pageCtx, err := d.sessions.PageContext(sessionID)
	if err != nil {
		return ExecuteResult{}, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, d.cfg.OpTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := d.run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		metrics.ObserveCommand("execute", false)
		d.logger.Warn("script evaluation failed", zap.String("session_id", sessionID), zap.Error(err))
		return ExecuteResult{Error: fmt.Sprintf("script evaluation failed: %v", err)}, nil
	}

	metrics.ObserveCommand("execute", true)
	d.touch(sessionID)
	return ExecuteResult{Success: true, Result: raw}, nil
}

// CommandResult is the shared success/error envelope for verbs without
// a payload.
type CommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ClickRequest carries click parameters. Button defaults to left.
type ClickRequest struct {
	SessionID string
	Selector  string
	TimeoutMs int
	Button    string
}

// Click clicks the first element matching the selector.
func (d *Dispatcher) Click(req ClickRequest) (CommandResult, error) {
	pageCtx, err := d.sessions.PageContext(req.SessionID)
	if err != nil {
		return CommandResult{}, err
	}

	button := req.Button
	if button == "" {
		button = "left"
	}
	switch button {
	case "left", "right", "middle":
	default:
		return CommandResult{}, fmt.Errorf("unsupported mouse button %q", button)
	}

	timeout := d.cfg.OpTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(pageCtx, timeout)
	defer cancel()

	// chromedp.Click is left-button only; clicking the resolved node
	// directly lets the caller pick the button.
	action := chromedp.QueryAfter(req.Selector, func(ctx context.Context, _ runtime.ExecutionContextID, nodes ...*cdp.Node) error {
		if len(nodes) == 0 {
			return fmt.Errorf("no nodes match selector %q", req.Selector)
		}
		return chromedp.MouseClickNode(nodes[0], chromedp.Button(button)).Do(ctx)
	}, chromedp.ByQuery, chromedp.NodeVisible)

	err = d.run(ctx, action)
	if err != nil {
		metrics.ObserveCommand("click", false)
		d.logger.Warn("click failed", zap.String("session_id", req.SessionID), zap.String("selector", req.Selector), zap.Error(err))
		return CommandResult{Error: fmt.Sprintf("click failed: %v", err)}, nil
	}

	metrics.ObserveCommand("click", true)
	d.touch(req.SessionID)
	return CommandResult{Success: true}, nil
}

// TypeRequest carries typing parameters. DelayMs > 0 dispatches keys one
// rune at a time with that pause between them.
type TypeRequest struct {
	SessionID string
	Selector  string
	Text      string
	DelayMs   int
}

// TypeText clears the matched element and types text into it.
func (d *Dispatcher) TypeText(req TypeRequest) (CommandResult, error) {
	pageCtx, err := d.sessions.PageContext(req.SessionID)
	if err != nil {
		return CommandResult{}, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, d.cfg.OpTimeout)
	defer cancel()

	actions := []chromedp.Action{
		chromedp.WaitVisible(req.Selector, chromedp.ByQuery),
		chromedp.Clear(req.Selector, chromedp.ByQuery),
	}
	if req.DelayMs > 0 {
		delay := time.Duration(req.DelayMs) * time.Millisecond
		for _, r := range req.Text {
			actions = append(actions,
				chromedp.SendKeys(req.Selector, string(r), chromedp.ByQuery),
				chromedp.Sleep(delay),
			)
		}
	} else {
		actions = append(actions, chromedp.SendKeys(req.Selector, req.Text, chromedp.ByQuery))
	}

	if err := d.run(ctx, actions...); err != nil {
		metrics.ObserveCommand("type", false)
		d.logger.Warn("type failed", zap.String("session_id", req.SessionID), zap.String("selector", req.Selector), zap.Error(err))
		return CommandResult{Error: fmt.Sprintf("type failed: %v", err)}, nil
	}

	metrics.ObserveCommand("type", true)
	d.touch(req.SessionID)
	return CommandResult{Success: true}, nil
}

// ElementResult carries the text of a matched element; Text stays nil
// on failure.
type ElementResult struct {
	Success bool    `json:"success"`
	Text    *string `json:"text"`
	Error   string  `json:"error,omitempty"`
}

// ElementText reads the visible text of the first element matching the
// selector.
func (d *Dispatcher) ElementText(sessionID, selector string) (ElementResult, error) {
	pageCtx, err := d.sessions.PageContext(sessionID)
	if err != nil {
		return ElementResult{}, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, d.cfg.OpTimeout)
	defer cancel()

	var text string
	if err := d.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		metrics.ObserveCommand("element", false)
		d.logger.Warn("element read failed", zap.String("session_id", sessionID), zap.String("selector", selector), zap.Error(err))
		return ElementResult{Error: fmt.Sprintf("element read failed: %v", err)}, nil
	}

	metrics.ObserveCommand("element", true)
	d.touch(sessionID)
	return ElementResult{Success: true, Text: &text}, nil
}

// ContentResult carries a page's title, URL and extracted text, plus
// the full document markup on request.
type ContentResult struct {
	Success     bool    `json:"success"`
	URL         string  `json:"url,omitempty"`
	Title       string  `json:"title,omitempty"`
	TextContent string  `json:"text_content,omitempty"`
	HTMLContent *string `json:"html_content,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// PageContent reads the session page's title, location and body text,
// plus outer HTML when includeHTML is set.
func (d *Dispatcher) PageContent(sessionID string, includeHTML bool) (ContentResult, error) {
	pageCtx, err := d.sessions.PageContext(sessionID)
	if err != nil {
		return ContentResult{}, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, d.cfg.OpTimeout)
	defer cancel()

	var title, location, text, html string
	actions := []chromedp.Action{
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.Text("body", &text, chromedp.ByQuery),
	}
	if includeHTML {
		actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	}

	if err := d.run(ctx, actions...); err != nil {
		metrics.ObserveCommand("content", false)
		d.logger.Warn("content read failed", zap.String("session_id", sessionID), zap.Error(err))
		return ContentResult{Error: fmt.Sprintf("content read failed: %v", err)}, nil
	}

	metrics.ObserveCommand("content", true)
	d.touch(sessionID)
	result := ContentResult{Success: true, URL: location, Title: title, TextContent: text}
	if includeHTML {
		result.HTMLContent = &html
	}
	return result, nil
}

// ClickAt dispatches a raw mouse click at viewport coordinates. Used by
// the live stream's click passthrough.
func (d *Dispatcher) ClickAt(sessionID string, x, y float64) (CommandResult, error) {
	pageCtx, err := d.sessions.PageContext(sessionID)
	if err != nil {
		return CommandResult{}, err
	}
	ctx, cancel := context.WithTimeout(pageCtx, d.cfg.OpTimeout)
	defer cancel()

	if err := d.run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		metrics.ObserveCommand("click_at", false)
		d.logger.Warn("stream click failed", zap.String("session_id", sessionID), zap.Float64("x", x), zap.Float64("y", y), zap.Error(err))
		return CommandResult{Error: fmt.Sprintf("click failed: %v", err)}, nil
	}

	metrics.ObserveCommand("click_at", true)
	d.touch(sessionID)
	return CommandResult{Success: true}, nil
}

func (d *Dispatcher) touch(sessionID string) {
	if err := d.sessions.Touch(sessionID); err != nil {
		d.logger.Debug("activity refresh failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
