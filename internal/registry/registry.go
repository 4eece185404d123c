// Package registry maps context and page identifiers onto live chromedp
// automation contexts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/castview/browserd/internal/events"
)

var (
	// ErrContextNotFound indicates the browsing context id is unknown.
	ErrContextNotFound = errors.New("context not found")
	// ErrPageNotFound indicates the page id is unknown.
	ErrPageNotFound = errors.New("page not found")
)

// EngineHandle provides the root automation context that browsing
// contexts derive from.
type EngineHandle interface {
	BrowserContext() (context.Context, error)
}

// ContextOptions configure a new browsing context.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// Context is one registered browsing context. Pages derive their targets
// from its automation context, so cancelling it invalidates them all.
type Context struct {
	ID        string
	Options   ContextOptions
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Page is one registered page within a browsing context.
type Page struct {
	ID        string
	ContextID string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// AutomationContext returns the chromedp context commands run against.
func (p *Page) AutomationContext() context.Context {
	return p.ctx
}

// Registry owns the id -> (context, page) maps. Mutations are serialized
// under one lock; closing a context prunes its pages under that same lock
// so a concurrent lookup can never observe a page whose context is gone.
type Registry struct {
	engine EngineHandle
	hub    events.Emitter
	logger *zap.Logger

	// run defaults to chromedp.Run; tests swap it to avoid a browser.
	run func(ctx context.Context, actions ...chromedp.Action) error

	// setupTimeout bounds the engine round-trip during page creation.
	setupTimeout time.Duration

	mu       sync.RWMutex
	contexts map[string]*Context
	pages    map[string]*Page
}

const defaultSetupTimeout = 10 * time.Second

// New constructs an empty Registry.
func New(engine EngineHandle, hub events.Emitter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		engine:       engine,
		hub:          hub,
		logger:       logger,
		run:          chromedp.Run,
		setupTimeout: defaultSetupTimeout,
		contexts:     make(map[string]*Context),
		pages:        make(map[string]*Page),
	}
}

// CreateContext registers a browsing context under contextID. An existing
// context with the same id is closed and replaced, never rejected.
func (r *Registry) CreateContext(contextID string, opts ContextOptions) error {
	browserCtx, err := r.engine.BrowserContext()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[contextID]; ok {
		r.closeContextLocked(contextID)
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	r.contexts[contextID] = &Context{
		ID:        contextID,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
		ctx:       tabCtx,
		cancel:    cancel,
	}
	r.logger.Debug("context created", zap.String("context_id", contextID))
	return nil
}

// CloseContext removes the context and every page it owns. The page map
// is pruned and the context entry removed under a single lock before any
// lookup can run again, then the underlying targets are cancelled.
func (r *Registry) CloseContext(contextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[contextID]; !ok {
		return ErrContextNotFound
	}
	r.closeContextLocked(contextID)
	r.logger.Debug("context closed", zap.String("context_id", contextID))
	return nil
}

func (r *Registry) closeContextLocked(contextID string) {
	for id, p := range r.pages {
		if p.ContextID == contextID {
			delete(r.pages, id)
			p.cancel()
		}
	}
	if c, ok := r.contexts[contextID]; ok {
		delete(r.contexts, contextID)
		c.cancel()
	}
}

// CreatePage registers a page under pageID inside an existing context.
// An existing page with the same id is closed and replaced. The page's
// console and uncaught-error observers are wired before the target is
// created so no early event is missed. The engine round-trip runs under
// a deadline and outside the registry lock, so a slow engine never
// stalls lookups; the map entry appears only once setup succeeded.
func (r *Registry) CreatePage(pageID, contextID string) error {
	r.mu.RLock()
	parent, ok := r.contexts[contextID]
	r.mu.RUnlock()
	if !ok {
		return ErrContextNotFound
	}

	pageCtx, cancel := chromedp.NewContext(parent.ctx)
	chromedp.ListenTarget(pageCtx, r.pageObserver(pageID))

	setupCtx, cancelSetup := context.WithTimeout(pageCtx, r.setupTimeout)
	err := r.run(setupCtx, pageSetupActions(parent.Options)...)
	cancelSetup()
	if err != nil {
		cancel()
		return fmt.Errorf("create page %s: %w", pageID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.contexts[contextID]; !ok || cur != parent {
		// The owning context was closed or replaced during setup.
		cancel()
		return ErrContextNotFound
	}
	if p, ok := r.pages[pageID]; ok {
		delete(r.pages, pageID)
		p.cancel()
	}

	r.pages[pageID] = &Page{
		ID:        pageID,
		ContextID: contextID,
		CreatedAt: time.Now().UTC(),
		ctx:       pageCtx,
		cancel:    cancel,
	}
	r.logger.Debug("page created",
		zap.String("page_id", pageID),
		zap.String("context_id", contextID),
	)
	return nil
}

// ClosePage removes and cancels a single page.
func (r *Registry) ClosePage(pageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[pageID]
	if !ok {
		return ErrPageNotFound
	}
	delete(r.pages, pageID)
	p.cancel()
	r.logger.Debug("page closed", zap.String("page_id", pageID))
	return nil
}

// LookupPage returns the registered page for pageID.
func (r *Registry) LookupPage(pageID string) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[pageID]
	if !ok {
		return nil, ErrPageNotFound
	}
	return p, nil
}

// PageContext returns the automation context for pageID.
func (r *Registry) PageContext(pageID string) (context.Context, error) {
	p, err := r.LookupPage(pageID)
	if err != nil {
		return nil, err
	}
	return p.ctx, nil
}

// Counts reports the number of live contexts and pages.
func (r *Registry) Counts() (contexts, pages int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts), len(r.pages)
}

// CloseAll cancels every page and context. Used when the engine stops so
// no registry entry outlives the browser process.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pages {
		delete(r.pages, id)
		p.cancel()
	}
	for id, c := range r.contexts {
		delete(r.contexts, id)
		c.cancel()
	}
}

func pageSetupActions(opts ContextOptions) []chromedp.Action {
	var actions []chromedp.Action
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(
			int64(opts.ViewportWidth), int64(opts.ViewportHeight), 1.0, false,
		))
	}
	if opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	if len(actions) == 0 {
		// Force target creation even when no emulation is requested.
		actions = append(actions, chromedp.ActionFunc(func(context.Context) error { return nil }))
	}
	return actions
}
