// Package api exposes the HTTP/JSON surface: session lifecycle, page
// commands, engine control, and the live MJPEG stream.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/castview/browserd/internal/dispatcher"
	"github.com/castview/browserd/internal/metrics"
	"github.com/castview/browserd/internal/session"
)

// EngineControl is the engine lifecycle slice the API depends on.
type EngineControl interface {
	Start(ctx context.Context, kind string, headless bool) error
	Stop(ctx context.Context) error
	Started() bool
	Viewport() (width, height int)
}

// SessionService manages session lifecycle and lookup.
type SessionService interface {
	Create(opts session.CreateOptions) (session.Session, error)
	Close(sessionID string) error
	List() []session.Session
	Current() (string, bool)
	CloseAll()
}

// CommandService executes single-shot page commands.
type CommandService interface {
	Navigate(req dispatcher.NavigateRequest) (dispatcher.NavigateResult, error)
	Screenshot(sessionID string, fullPage bool) (dispatcher.ScreenshotResult, error)
	EvaluateScript(sessionID, script string) (dispatcher.ExecuteResult, error)
	Click(req dispatcher.ClickRequest) (dispatcher.CommandResult, error)
	TypeText(req dispatcher.TypeRequest) (dispatcher.CommandResult, error)
	ElementText(sessionID, selector string) (dispatcher.ElementResult, error)
	PageContent(sessionID string, includeHTML bool) (dispatcher.ContentResult, error)
	ClickAt(sessionID string, x, y float64) (dispatcher.CommandResult, error)
}

// StreamControl drives the frame capture loop.
type StreamControl interface {
	Start(fps, quality int) (int, int)
	Stop()
	Running() bool
	Settings() (fps, quality int)
	SetSettings(fps, quality *int) (int, int)
}

// FrameStreamer serves the multipart frame stream to one viewer.
type FrameStreamer interface {
	ContentType() string
	StreamTo(ctx context.Context, w io.Writer, flush func()) error
}

// Config holds the API-level defaults.
type Config struct {
	BrowserType    string
	Headless       bool
	AutoStartOnUse bool
	DefaultFPS     int
	DefaultQuality int
	StopGrace      time.Duration
}

// Server wires the HTTP routes to the service components.
type Server struct {
	engine   EngineControl
	sessions SessionService
	commands CommandService
	stream   StreamControl
	viewer   FrameStreamer
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server.
func NewServer(engine EngineControl, sessions SessionService, commands CommandService, stream StreamControl, viewer FrameStreamer, cfg Config, logger *zap.Logger) *Server {
	if cfg.BrowserType == "" {
		cfg.BrowserType = "chromium"
	}
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = 30
	}
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 80
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		sessions: sessions,
		commands: commands,
		stream:   stream,
		viewer:   viewer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsPermissive)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/browser/start", s.handleBrowserStart)
		r.Post("/browser/stop", s.handleBrowserStop)

		r.Post("/session/create", s.handleSessionCreate)
		r.Post("/session/close", s.handleSessionClose)
		r.Get("/session/list", s.handleSessionList)

		r.Post("/navigate", s.handleNavigate)
		r.Post("/screenshot", s.handleScreenshot)
		r.Post("/content", s.handleContent)
		r.Post("/execute", s.handleExecute)
		r.Post("/click", s.handleClick)
		r.Post("/type", s.handleType)
		r.Post("/element", s.handleElement)

		r.Post("/stream/start", s.handleStreamStart)
		r.Post("/stream/stop", s.handleStreamStop)
		r.Post("/stream/settings", s.handleStreamSettings)
		r.Get("/stream/mjpeg", s.handleStreamMJPEG)
		r.Post("/click/stream", s.handleStreamClick)
	})

	return r
}
