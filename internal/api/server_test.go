package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castview/browserd/internal/dispatcher"
	"github.com/castview/browserd/internal/metrics"
	"github.com/castview/browserd/internal/session"
)

func init() {
	metrics.Init()
}

type fakeEngine struct {
	started   bool
	startErr  error
	stopErr   error
	startCall int
	stopCall  int
	width     int
	height    int
}

func (e *fakeEngine) Start(ctx context.Context, kind string, headless bool) error {
	e.startCall++
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	return nil
}

func (e *fakeEngine) Stop(ctx context.Context) error {
	e.stopCall++
	if e.stopErr != nil {
		return e.stopErr
	}
	e.started = false
	return nil
}

func (e *fakeEngine) Started() bool { return e.started }

func (e *fakeEngine) Viewport() (int, int) {
	if e.width == 0 {
		return 1280, 720
	}
	return e.width, e.height
}

type fakeSessions struct {
	sessions  map[string]session.Session
	createErr error
	closed    []string
	current   string
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{sessions: map[string]session.Session{}}
	for _, id := range ids {
		f.sessions[id] = session.Session{ID: id, CreatedAt: time.Now()}
		f.current = id
	}
	return f
}

func (f *fakeSessions) Create(opts session.CreateOptions) (session.Session, error) {
	if f.createErr != nil {
		return session.Session{}, f.createErr
	}
	s := session.Session{
		ID:             "new-session",
		ViewportWidth:  opts.ViewportWidth,
		ViewportHeight: opts.ViewportHeight,
		UserAgent:      opts.UserAgent,
	}
	f.sessions[s.ID] = s
	f.current = s.ID
	return s, nil
}

func (f *fakeSessions) Close(sessionID string) error {
	if _, ok := f.sessions[sessionID]; !ok {
		return session.ErrSessionNotFound
	}
	delete(f.sessions, sessionID)
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeSessions) List() []session.Session {
	out := make([]session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) Current() (string, bool) {
	if _, ok := f.sessions[f.current]; !ok {
		return "", false
	}
	return f.current, true
}

func (f *fakeSessions) CloseAll() {
	for id := range f.sessions {
		delete(f.sessions, id)
		f.closed = append(f.closed, id)
	}
}

type fakeCommands struct {
	navigateResult dispatcher.NavigateResult
	err            error
	clickedAt      []float64
}

func (c *fakeCommands) Navigate(req dispatcher.NavigateRequest) (dispatcher.NavigateResult, error) {
	return c.navigateResult, c.err
}

func (c *fakeCommands) Screenshot(sessionID string, fullPage bool) (dispatcher.ScreenshotResult, error) {
	if c.err != nil {
		return dispatcher.ScreenshotResult{}, c.err
	}
	return dispatcher.ScreenshotResult{Success: true, Screenshot: "aGk="}, nil
}

func (c *fakeCommands) EvaluateScript(sessionID, script string) (dispatcher.ExecuteResult, error) {
	if c.err != nil {
		return dispatcher.ExecuteResult{}, c.err
	}
	return dispatcher.ExecuteResult{Success: true, Result: json.RawMessage(`42`)}, nil
}

func (c *fakeCommands) Click(req dispatcher.ClickRequest) (dispatcher.CommandResult, error) {
	if c.err != nil {
		return dispatcher.CommandResult{}, c.err
	}
	return dispatcher.CommandResult{Success: true}, nil
}

func (c *fakeCommands) TypeText(req dispatcher.TypeRequest) (dispatcher.CommandResult, error) {
	if c.err != nil {
		return dispatcher.CommandResult{}, c.err
	}
	return dispatcher.CommandResult{Success: true}, nil
}

func (c *fakeCommands) ElementText(sessionID, selector string) (dispatcher.ElementResult, error) {
	if c.err != nil {
		return dispatcher.ElementResult{}, c.err
	}
	text := "hello"
	return dispatcher.ElementResult{Success: true, Text: &text}, nil
}

func (c *fakeCommands) PageContent(sessionID string, includeHTML bool) (dispatcher.ContentResult, error) {
	if c.err != nil {
		return dispatcher.ContentResult{}, c.err
	}
	return dispatcher.ContentResult{Success: true, Title: "Example"}, nil
}

func (c *fakeCommands) ClickAt(sessionID string, x, y float64) (dispatcher.CommandResult, error) {
	if c.err != nil {
		return dispatcher.CommandResult{}, c.err
	}
	c.clickedAt = []float64{x, y}
	return dispatcher.CommandResult{Success: true}, nil
}

type fakeStream struct {
	running bool
	fps     int
	quality int
	stops   int
}

func (s *fakeStream) Start(fps, quality int) (int, int) {
	s.running = true
	s.fps = fps
	s.quality = quality
	return fps, quality
}

func (s *fakeStream) Stop() {
	s.running = false
	s.stops++
}

func (s *fakeStream) Running() bool { return s.running }

func (s *fakeStream) Settings() (int, int) { return s.fps, s.quality }

func (s *fakeStream) SetSettings(fps, quality *int) (int, int) {
	if fps != nil {
		s.fps = *fps
	}
	if quality != nil {
		s.quality = *quality
	}
	return s.fps, s.quality
}

type fakeViewer struct{}

func (fakeViewer) ContentType() string { return "multipart/x-mixed-replace; boundary=frame" }

func (fakeViewer) StreamTo(ctx context.Context, w io.Writer, flush func()) error {
	_, err := io.WriteString(w, "--frame\r\n")
	if flush != nil {
		flush()
	}
	return err
}

type testServer struct {
	engine   *fakeEngine
	sessions *fakeSessions
	commands *fakeCommands
	stream   *fakeStream
	http     *httptest.Server
}

func newTestServer(t *testing.T, cfg Config, sessionIDs ...string) *testServer {
	t.Helper()
	ts := &testServer{
		engine:   &fakeEngine{started: true},
		sessions: newFakeSessions(sessionIDs...),
		commands: &fakeCommands{},
		stream:   &fakeStream{},
	}
	srv := NewServer(ts.engine, ts.sessions, ts.commands, ts.stream, fakeViewer{}, cfg, zap.NewNop())
	ts.http = httptest.NewServer(srv.Routes())
	t.Cleanup(ts.http.Close)
	return ts
}

func (ts *testServer) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ts.http.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := ts.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestReadyzReflectsEngineState(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, _ := ts.get(t, "/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts.engine.started = false
	resp, _ = ts.get(t, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Config{})
	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/navigate", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSessionCreate(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := ts.post(t, "/api/session/create", `{"viewport":{"width":800,"height":600},"userAgent":"tester"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, "new-session", body["sessionId"])

	created := ts.sessions.sessions["new-session"]
	require.Equal(t, 800, created.ViewportWidth)
	require.Equal(t, "tester", created.UserAgent)
}

func TestSessionCreateAutoStartsEngine(t *testing.T) {
	ts := newTestServer(t, Config{AutoStartOnUse: true})
	ts.engine.started = false

	resp, body := ts.post(t, "/api/session/create", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, 1, ts.engine.startCall)
}

func TestSessionCreateWithoutEngineAndNoAutoStart(t *testing.T) {
	ts := newTestServer(t, Config{AutoStartOnUse: false})
	ts.engine.started = false

	resp, body := ts.post(t, "/api/session/create", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Zero(t, ts.engine.startCall)
}

func TestSessionCloseUnknownIs400(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := ts.post(t, "/api/session/close", `{"sessionId":"missing"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Contains(t, body["error"], "not found")
}

func TestSessionCloseRequiresID(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, _ := ts.post(t, "/api/session/close", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionList(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1", "s2")
	resp, body := ts.get(t, "/api/session/list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["sessions"], 2)
}

func TestNavigateValidation(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, body := ts.post(t, "/api/navigate", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, body["success"])
}

func TestNavigateSuccess(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	ts.commands.navigateResult = dispatcher.NavigateResult{
		Success: true, URL: "https://example.com/", Title: "Example", Status: 200, ContentLength: 1256,
	}
	resp, body := ts.post(t, "/api/navigate", `{"sessionId":"s1","url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, "Example", body["title"])
	require.Equal(t, float64(200), body["status"])
	require.Equal(t, float64(1256), body["contentLength"])
}

func TestNavigateUnknownSessionIs400(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.commands.err = errors.New("session not found")
	resp, body := ts.post(t, "/api/navigate", `{"sessionId":"missing","url":"https://example.com"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, body["success"])
}

func TestEngineFailureStays200(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	ts.commands.navigateResult = dispatcher.NavigateResult{Error: "navigation failed: timeout"}
	resp, body := ts.post(t, "/api/navigate", `{"sessionId":"s1","url":"https://slow.example"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Contains(t, body["error"], "navigation failed")
}

func TestScreenshot(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, body := ts.post(t, "/api/screenshot", `{"sessionId":"s1","fullPage":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, "aGk=", body["screenshot"])
}

func TestExecute(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, body := ts.post(t, "/api/execute", `{"sessionId":"s1","script":"1+41"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(42), body["result"])
}

func TestClickRequiresSelector(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, _ := ts.post(t, "/api/click", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTypeAndElement(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")

	resp, body := ts.post(t, "/api/type", `{"sessionId":"s1","selector":"#q","text":"go"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])

	resp, body = ts.post(t, "/api/element", `{"sessionId":"s1","selector":"h1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", body["text"])
}

func TestContent(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, body := ts.post(t, "/api/content", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Example", body["title"])
}

func TestStreamStartUsesDefaults(t *testing.T) {
	ts := newTestServer(t, Config{DefaultFPS: 30, DefaultQuality: 80})
	resp, body := ts.post(t, "/api/stream/start", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(30), body["fps"])
	require.Equal(t, float64(80), body["quality"])
	require.True(t, ts.stream.running)
}

func TestStreamStartOverrides(t *testing.T) {
	ts := newTestServer(t, Config{DefaultFPS: 30, DefaultQuality: 80})
	resp, body := ts.post(t, "/api/stream/start", `{"fps":10,"quality":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(10), body["fps"])
	require.Equal(t, float64(50), body["quality"])
}

func TestStreamStopAndSettings(t *testing.T) {
	ts := newTestServer(t, Config{DefaultFPS: 30, DefaultQuality: 80})
	ts.post(t, "/api/stream/start", `{}`)

	resp, body := ts.post(t, "/api/stream/settings", `{"fps":15}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(15), body["fps"])
	require.Equal(t, float64(80), body["quality"])

	resp, body = ts.post(t, "/api/stream/stop", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.False(t, ts.stream.running)
}

func TestStreamMJPEGContentType(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.http.URL + "/api/stream/mjpeg")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "--frame\r\n"))
}

func TestStreamClickMapsCoordinates(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, body := ts.post(t, "/api/click/stream", `{"x":100,"y":100,"containerWidth":640,"containerHeight":360}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(200), body["x"])
	require.Equal(t, float64(200), body["y"])
	require.Equal(t, []float64{200, 200}, ts.commands.clickedAt)
}

func TestStreamClickDegenerateContainer(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1")
	resp, body := ts.post(t, "/api/click/stream", `{"x":100,"y":100,"containerWidth":0,"containerHeight":360}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, body["success"])
}

func TestStreamClickWithoutSession(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := ts.post(t, "/api/click/stream", `{"x":1,"y":1,"containerWidth":640,"containerHeight":360}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "no active session")
}

func TestBrowserStopCascades(t *testing.T) {
	ts := newTestServer(t, Config{}, "s1", "s2")
	ts.stream.running = true

	resp, body := ts.post(t, "/api/browser/stop", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.False(t, ts.stream.running)
	require.Len(t, ts.sessions.closed, 2)
	require.Equal(t, 1, ts.engine.stopCall)
	require.False(t, ts.engine.started)
}

func TestBrowserStartLifecycleFailureIs500(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.engine.started = false
	ts.engine.startErr = errors.New("binary missing")

	resp, body := ts.post(t, "/api/browser/start", `{}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Contains(t, body["error"], "engine start failed")
}

func TestInvalidJSONBodyIs400(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := ts.post(t, "/api/navigate", `{"sessionId":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, body["success"])
}
