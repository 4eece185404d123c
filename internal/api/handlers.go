package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/castview/browserd/internal/dispatcher"
	"github.com/castview/browserd/internal/engine"
	"github.com/castview/browserd/internal/session"
	"github.com/castview/browserd/internal/stream"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already written; an encode failure here has
	// nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// decodeJSON parses the request body into v. An absent body decodes to
// the zero value so endpoints with all-optional fields accept `{}` and
// no body alike.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Started() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "engine not started"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type browserStartRequest struct {
	Browser  string `json:"browser"`
	Headless *bool  `json:"headless"`
}

func (s *Server) handleBrowserStart(w http.ResponseWriter, r *http.Request) {
	var req browserStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind := req.Browser
	if kind == "" {
		kind = s.cfg.BrowserType
	}
	headless := s.cfg.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}
	if err := s.engine.Start(r.Context(), kind, headless); err != nil {
		writeError(w, http.StatusInternalServerError, "engine start failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleBrowserStop(w http.ResponseWriter, r *http.Request) {
	// Stop order matters: halt capture before the sessions it reads,
	// close sessions before the engine that owns their pages.
	s.stream.Stop()
	s.sessions.CloseAll()
	if err := s.engine.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "engine stop failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type sessionCreateRequest struct {
	Viewport *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
	UserAgent string `json:"userAgent"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !s.engine.Started() {
		if !s.cfg.AutoStartOnUse {
			writeError(w, http.StatusBadRequest, "engine not started")
			return
		}
		if err := s.engine.Start(r.Context(), s.cfg.BrowserType, s.cfg.Headless); err != nil {
			writeError(w, http.StatusInternalServerError, "engine start failed: "+err.Error())
			return
		}
	}

	opts := session.CreateOptions{UserAgent: req.UserAgent}
	if req.Viewport != nil {
		opts.ViewportWidth = req.Viewport.Width
		opts.ViewportHeight = req.Viewport.Height
	}

	sess, err := s.sessions.Create(opts)
	if err != nil {
		if errors.Is(err, engine.ErrNotStarted) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "session create failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": sess.ID,
	})
}

type sessionCloseRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req sessionCloseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := s.sessions.Close(req.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "session close failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": s.sessions.List(),
	})
}

type navigateRequest struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
	Timeout   int    `json:"timeout"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "sessionId and url are required")
		return
	}
	result, err := s.commands.Navigate(dispatcher.NavigateRequest{
		SessionID: req.SessionID,
		URL:       req.URL,
		WaitUntil: req.WaitUntil,
		TimeoutMs: req.Timeout,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type screenshotRequest struct {
	SessionID string `json:"sessionId"`
	FullPage  bool   `json:"fullPage"`
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req screenshotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	result, err := s.commands.Screenshot(req.SessionID, req.FullPage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type contentRequest struct {
	SessionID   string `json:"sessionId"`
	IncludeHTML bool   `json:"includeHtml"`
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	result, err := s.commands.PageContent(req.SessionID, req.IncludeHTML)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type executeRequest struct {
	SessionID string `json:"sessionId"`
	Script    string `json:"script"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Script == "" {
		writeError(w, http.StatusBadRequest, "sessionId and script are required")
		return
	}
	result, err := s.commands.EvaluateScript(req.SessionID, req.Script)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type clickRequest struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
	Timeout   int    `json:"timeout"`
	Button    string `json:"button"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Selector == "" {
		writeError(w, http.StatusBadRequest, "sessionId and selector are required")
		return
	}
	result, err := s.commands.Click(dispatcher.ClickRequest{
		SessionID: req.SessionID,
		Selector:  req.Selector,
		TimeoutMs: req.Timeout,
		Button:    req.Button,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type typeRequest struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
	Text      string `json:"text"`
	Delay     int    `json:"delay"`
}

func (s *Server) handleType(w http.ResponseWriter, r *http.Request) {
	var req typeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Selector == "" {
		writeError(w, http.StatusBadRequest, "sessionId and selector are required")
		return
	}
	result, err := s.commands.TypeText(dispatcher.TypeRequest{
		SessionID: req.SessionID,
		Selector:  req.Selector,
		Text:      req.Text,
		DelayMs:   req.Delay,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type elementRequest struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
}

func (s *Server) handleElement(w http.ResponseWriter, r *http.Request) {
	var req elementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Selector == "" {
		writeError(w, http.StatusBadRequest, "sessionId and selector are required")
		return
	}
	result, err := s.commands.ElementText(req.SessionID, req.Selector)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type streamSettingsRequest struct {
	FPS     *int `json:"fps"`
	Quality *int `json:"quality"`
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req streamSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fps := s.cfg.DefaultFPS
	if req.FPS != nil {
		fps = *req.FPS
	}
	quality := s.cfg.DefaultQuality
	if req.Quality != nil {
		quality = *req.Quality
	}
	fps, quality = s.stream.Start(fps, quality)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"fps":     fps,
		"quality": quality,
	})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.stream.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleStreamSettings(w http.ResponseWriter, r *http.Request) {
	var req streamSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fps, quality := s.stream.SetSettings(req.FPS, req.Quality)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"fps":     fps,
		"quality": quality,
	})
}

func (s *Server) handleStreamMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", s.viewer.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.viewer.StreamTo(r.Context(), w, flusher.Flush); err != nil {
		s.logger.Debug("stream viewer detached with error", zap.Error(err))
	}
}

type streamClickRequest struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	ContainerWidth  float64 `json:"containerWidth"`
	ContainerHeight float64 `json:"containerHeight"`
}

type streamClickResponse struct {
	Success bool    `json:"success"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Error   string  `json:"error,omitempty"`
}

func (s *Server) handleStreamClick(w http.ResponseWriter, r *http.Request) {
	var req streamClickRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	width, height := s.engine.Viewport()
	x, y, err := stream.MapToViewport(req.X, req.Y, req.ContainerWidth, req.ContainerHeight, width, height)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID, ok := s.sessions.Current()
	if !ok {
		writeError(w, http.StatusBadRequest, "no active session")
		return
	}

	result, err := s.commands.ClickAt(sessionID, x, y)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, streamClickResponse{
		Success: result.Success,
		X:       x,
		Y:       y,
		Error:   result.Error,
	})
}
