// Package session layers opaque session tokens and activity bookkeeping
// over the context/page registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castview/browserd/internal/events"
	"github.com/castview/browserd/internal/metrics"
	"github.com/castview/browserd/internal/registry"
)

// ErrSessionNotFound indicates the session token is unknown.
var ErrSessionNotFound = errors.New("session not found")

// IDGenerator mints opaque session tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock reports wall time, injectable for tests.
type Clock interface {
	Now() time.Time
}

// RegistryAPI is the slice of the registry the manager depends on.
type RegistryAPI interface {
	CreateContext(contextID string, opts registry.ContextOptions) error
	CloseContext(contextID string) error
	CreatePage(pageID, contextID string) error
	PageContext(pageID string) (context.Context, error)
}

// Session is the externally addressable handle for one (context, page)
// pair. The session token doubles as the registry page id.
type Session struct {
	ID             string    `json:"sessionId"`
	ContextID      string    `json:"contextId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	ViewportWidth  int       `json:"viewportWidth"`
	ViewportHeight int       `json:"viewportHeight"`
	UserAgent      string    `json:"userAgent,omitempty"`
}

// CreateOptions carry the caller-supplied context settings.
type CreateOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// Config holds manager defaults.
type Config struct {
	DefaultViewportWidth  int
	DefaultViewportHeight int
	IdleTimeout           time.Duration
	ReapInterval          time.Duration
}

// Manager owns the session map. Tokens are generated once and never
// reused; every command refreshes the session's activity stamp.
type Manager struct {
	reg    RegistryAPI
	idGen  IDGenerator
	clock  Clock
	hub    events.Emitter
	logger *zap.Logger
	cfg    Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Manager.
func NewManager(reg RegistryAPI, idGen IDGenerator, clock Clock, hub events.Emitter, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultViewportWidth <= 0 {
		cfg.DefaultViewportWidth = 1280
	}
	if cfg.DefaultViewportHeight <= 0 {
		cfg.DefaultViewportHeight = 720
	}
	return &Manager{
		reg:      reg,
		idGen:    idGen,
		clock:    clock,
		hub:      hub,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a fresh browsing context and page and returns the new
// session. A failed page allocation rolls the context back so no partial
// session is retained.
func (m *Manager) Create(opts CreateOptions) (Session, error) {
	sessionID, err := m.idGen.NewID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	contextID, err := m.idGen.NewID()
	if err != nil {
		return Session{}, fmt.Errorf("generate context id: %w", err)
	}

	width := opts.ViewportWidth
	height := opts.ViewportHeight
	if width <= 0 || height <= 0 {
		width = m.cfg.DefaultViewportWidth
		height = m.cfg.DefaultViewportHeight
	}

	ctxOpts := registry.ContextOptions{
		ViewportWidth:  width,
		ViewportHeight: height,
		UserAgent:      opts.UserAgent,
	}
	if err := m.reg.CreateContext(contextID, ctxOpts); err != nil {
		return Session{}, err
	}
	if err := m.reg.CreatePage(sessionID, contextID); err != nil {
		if closeErr := m.reg.CloseContext(contextID); closeErr != nil {
			m.logger.Warn("rollback context close failed",
				zap.String("context_id", contextID), zap.Error(closeErr))
		}
		return Session{}, err
	}

	now := m.clock.Now()
	s := &Session{
		ID:             sessionID,
		ContextID:      contextID,
		CreatedAt:      now,
		LastActivity:   now,
		ViewportWidth:  width,
		ViewportHeight: height,
		UserAgent:      opts.UserAgent,
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	metrics.IncSessions()
	m.hub.Emit(events.Event{
		TS:        now,
		Kind:      events.KindSessionOpen,
		SessionID: sessionID,
	})
	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("context_id", contextID),
	)
	return *s, nil
}

// Close tears down a session's page and context and forgets the token.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	// Closing the context cascades to the session's page inside the
	// registry's own lock.
	if err := m.reg.CloseContext(s.ContextID); err != nil && !errors.Is(err, registry.ErrContextNotFound) {
		return err
	}

	metrics.DecSessions()
	m.hub.Emit(events.Event{
		TS:        m.clock.Now(),
		Kind:      events.KindSessionGone,
		SessionID: sessionID,
	})
	m.logger.Info("session closed", zap.String("session_id", sessionID))
	return nil
}

// Get returns a copy of the session record.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Touch refreshes the session's last-activity stamp.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivity = m.clock.Now()
	return nil
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PageContext resolves the automation context behind a session token.
func (m *Manager) PageContext(sessionID string) (context.Context, error) {
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.reg.PageContext(sessionID)
}

// Current returns the id of the most recently active session. The frame
// capture loop and click-on-stream target this session.
func (m *Manager) Current() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best   string
		bestAt time.Time
	)
	for id, s := range m.sessions {
		if best == "" || s.LastActivity.After(bestAt) {
			best = id
			bestAt = s.LastActivity
		}
	}
	return best, best != ""
}

// CurrentPageContext resolves the automation context of the most recently
// active session, satisfying the capture loop's page provider contract.
func (m *Manager) CurrentPageContext() (context.Context, bool) {
	id, ok := m.Current()
	if !ok {
		return nil, false
	}
	ctx, err := m.reg.PageContext(id)
	if err != nil {
		return nil, false
	}
	return ctx, true
}

// CloseAll closes every session, logging failures instead of stopping.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		if err := m.Close(s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("session close failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// RunReaper closes sessions idle for longer than the configured timeout.
// It blocks until ctx is cancelled and is a no-op when reaping is
// disabled (zero idle timeout).
func (m *Manager) RunReaper(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := m.clock.Now().Add(-m.cfg.IdleTimeout)
	for _, s := range m.List() {
		if s.LastActivity.Before(cutoff) {
			m.logger.Info("reaping idle session",
				zap.String("session_id", s.ID),
				zap.Time("last_activity", s.LastActivity),
			)
			if err := m.Close(s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
				m.logger.Warn("idle session close failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	}
}
