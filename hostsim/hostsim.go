// Package hostsim is a deterministic in-process host: tabs, pages, cookie
// jar, and toolbar badge with no browser behind them. The daemon's sim
// mode and the end-to-end tests both run on it, so the whole pipeline is
// exercised without a display.
package hostsim

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/cookiewatch"
	"github.com/snippetify/snipd/extract"
	"github.com/snippetify/snipd/kvstore"
	"github.com/snippetify/snipd/pageagent"
)

// Host bundles the simulated browser surfaces.
type Host struct {
	Bus     *bus.MemoryBus
	Cookies *cookiewatch.Store
	KV      *kvstore.Store
	Badge   *BadgeRecorder
	Pages   *pageagent.Manager

	logger *slog.Logger

	mu    sync.Mutex
	pages map[bus.TabID]*Page
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithTarget overrides the target attached to extracted snippets.
func WithTarget(target extract.Target, opts ...pageagent.Option) Option {
	return func(h *Host) {
		h.Pages = pageagent.NewManager(h.Bus, target, opts...)
	}
}

// New builds a host on the given database. The database must carry the
// kvstore and cookiewatch schemas.
func New(db *sql.DB, opts ...Option) *Host {
	h := &Host{
		Bus:     bus.NewMemoryBus(),
		Cookies: cookiewatch.NewStore(db),
		KV:      kvstore.New(db),
		Badge:   &BadgeRecorder{},
		logger:  slog.Default(),
		pages:   make(map[bus.TabID]*Page),
	}
	h.Pages = pageagent.NewManager(h.Bus, extract.Target{Type: "website"})
	for _, o := range opts {
		o(h)
	}
	return h
}

// OpenTab loads markup into a tab and attaches a page agent, as a
// navigation would. An existing page in that tab is replaced.
func (h *Host) OpenTab(ctx context.Context, tab bus.TabID, url, markup string) (*Page, error) {
	p := &Page{tab: tab, url: url, markup: markup}
	p.overlay = &overlayState{}

	agent, err := h.Pages.Open(ctx, tab, p, p)
	if err != nil {
		return nil, fmt.Errorf("hostsim: open tab %d: %w", int(tab), err)
	}
	p.agent = agent

	h.mu.Lock()
	h.pages[tab] = p
	h.mu.Unlock()
	h.logger.Debug("hostsim: tab opened", "tab", int(tab), "url", url)
	return p, nil
}

// CloseTab tears a tab down.
func (h *Host) CloseTab(tab bus.TabID) {
	h.Pages.Close(tab)
	h.mu.Lock()
	delete(h.pages, tab)
	h.mu.Unlock()
	if active, ok := h.Bus.ActiveTab(); ok && active == tab {
		h.Bus.ClearActiveTab()
	}
}

// ActivateTab focuses a tab.
func (h *Host) ActivateTab(tab bus.TabID) {
	h.Bus.SetActiveTab(tab)
}

// Page returns the page loaded in a tab, if any.
func (h *Host) Page(tab bus.TabID) (*Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pages[tab]
	return p, ok
}

// SetCookie writes a cookie to the jar. A cookie watcher polling the same
// database observes the change.
func (h *Host) SetCookie(ctx context.Context, domain, name, value string) error {
	return h.Cookies.Set(ctx, cookiewatch.Cookie{Domain: domain, Name: name, Value: value})
}

// RemoveCookie deletes a cookie from the jar.
func (h *Host) RemoveCookie(ctx context.Context, domain, name string) error {
	return h.Cookies.Delete(ctx, domain, name)
}

// BadgeRecorder implements the toolbar badge as a recording map.
type BadgeRecorder struct {
	mu    sync.Mutex
	texts map[bus.TabID]string
}

// SetText records the badge text for a tab.
func (b *BadgeRecorder) SetText(tab bus.TabID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.texts == nil {
		b.texts = make(map[bus.TabID]string)
	}
	b.texts[tab] = text
}

// Text returns the last badge text set for a tab.
func (b *BadgeRecorder) Text(tab bus.TabID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.texts[tab]
	return t, ok
}

// Page is one simulated tab's content plus its injected surface. It
// implements pageagent.Document and pageagent.Surface.
type Page struct {
	tab   bus.TabID
	agent *pageagent.Agent

	mu     sync.Mutex
	url    string
	markup string

	overlay *overlayState
}

type overlayState struct {
	mu         sync.Mutex
	created    bool
	visible    bool
	snippet    extract.Snippet
	actions    int
	reloads    int
	scrolledTo []int
}

// Root reparses the current markup, like a live DOM query would.
func (p *Page) Root(context.Context) (*html.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return html.Parse(strings.NewReader(p.markup))
}

// URL returns the page location.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Mutate swaps the page markup in place, simulating client-side rendering.
func (p *Page) Mutate(markup string) {
	p.mu.Lock()
	p.markup = markup
	p.mu.Unlock()
}

// EnsureOverlay implements pageagent.Surface.
func (p *Page) EnsureOverlay(context.Context) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.overlay.created = true
	return nil
}

// OpenOverlay implements pageagent.Surface.
func (p *Page) OpenOverlay(_ context.Context, s extract.Snippet) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.overlay.created = true
	p.overlay.visible = true
	p.overlay.snippet = s
	return nil
}

// CloseOverlay implements pageagent.Surface.
func (p *Page) CloseOverlay(context.Context) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.overlay.visible = false
	return nil
}

// ReloadOverlay implements pageagent.Surface.
func (p *Page) ReloadOverlay(context.Context) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.overlay.reloads++
	return nil
}

// InjectActions implements pageagent.Surface.
func (p *Page) InjectActions(_ context.Context, count int) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.overlay.actions = count
	return nil
}

// ScrollTo implements pageagent.Surface.
func (p *Page) ScrollTo(_ context.Context, uid int) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.overlay.scrolledTo = append(p.overlay.scrolledTo, uid)
	return nil
}

// ClickAction simulates the user clicking the action affordance on a
// block.
func (p *Page) ClickAction(ctx context.Context, uid int) error {
	return p.agent.ActivateBlock(ctx, uid)
}

// CloseFromOverlay simulates the embedded overlay UI posting its close
// message across origins.
func (p *Page) CloseFromOverlay(ctx context.Context) {
	p.agent.HandleOverlayMessage(ctx, []byte(`{"type":"NEW_SNIPPET","action":"close"}`))
}

// OverlayCreated reports whether the overlay surface exists.
func (p *Page) OverlayCreated() bool {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	return p.overlay.created
}

// OverlayVisible reports whether the overlay is showing.
func (p *Page) OverlayVisible() bool {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	return p.overlay.visible
}

// OverlaySnippet returns the last snippet pushed into the overlay.
func (p *Page) OverlaySnippet() extract.Snippet {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	return p.overlay.snippet
}

// OverlayReloads counts overlay reloads, one per session change heard.
func (p *Page) OverlayReloads() int {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	return p.overlay.reloads
}

// Actions returns how many affordances are injected.
func (p *Page) Actions() int {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	return p.overlay.actions
}

// ScrolledTo returns the uids scrolled to, in order.
func (p *Page) ScrolledTo() []int {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	return append([]int(nil), p.overlay.scrolledTo...)
}
