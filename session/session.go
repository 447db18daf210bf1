// Package session owns authentication state, derived from one cookie on
// the companion domain. The Coordinator is the single writer: every other
// context sees session state through a query snapshot or a broadcast
// notification, never a live reference.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/snippetify/snipd/api"
	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/cookiewatch"
	"github.com/snippetify/snipd/kvstore"
)

// Defaults for the companion application.
const (
	DefaultDomain     = "snippetify.com"
	DefaultCookieName = "token"
)

// defaultBadgeCacheSize bounds the per-tab badge count cache.
const defaultBadgeCacheSize = 128

// countTimeout bounds a badge count query to a tab. Restricted pages never
// answer; the badge simply stays as it was.
const countTimeout = 2 * time.Second

// CookieGetter reads one cookie; the startup evaluation uses it.
type CookieGetter interface {
	Get(ctx context.Context, domain, name string) (value string, ok bool, err error)
}

// UserFetcher validates a token against the companion API.
// *api.Client satisfies it.
type UserFetcher interface {
	Me(ctx context.Context, token string) (*api.User, error)
}

// Badge sets the toolbar indicator for a tab. Implementations must
// tolerate tabs that no longer exist.
type Badge interface {
	SetText(tab bus.TabID, text string)
}

// Coordinator is the background context's state machine: LoggedOut and
// LoggedIn, looping on cookie lifecycle events.
type Coordinator struct {
	domain     string
	cookieName string
	cookies    CookieGetter
	fetcher    UserFetcher
	store      *kvstore.Store
	bus        bus.Bus
	badge      Badge
	badgeSize  int
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
	user  *api.User

	badges *lru.Cache[bus.TabID, int]
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithDomain scopes the coordinator to a companion domain other than the
// default.
func WithDomain(domain string) CoordinatorOption {
	return func(c *Coordinator) { c.domain = domain }
}

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) CoordinatorOption {
	return func(c *Coordinator) { c.cookieName = name }
}

// WithBadge attaches a toolbar badge surface.
func WithBadge(b Badge) CoordinatorOption {
	return func(c *Coordinator) { c.badge = b }
}

// WithBadgeCacheSize bounds the per-tab badge cache. Default: 128. The
// cache evicts least-recently-tracked tabs; evicted tabs simply get
// re-counted the next time they activate.
func WithBadgeCacheSize(n int) CoordinatorOption {
	return func(c *Coordinator) { c.badgeSize = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(cookies CookieGetter, fetcher UserFetcher, store *kvstore.Store, b bus.Bus, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		domain:     DefaultDomain,
		cookieName: DefaultCookieName,
		cookies:    cookies,
		fetcher:    fetcher,
		store:      store,
		bus:        b,
		badgeSize:  defaultBadgeCacheSize,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.badges, _ = lru.New[bus.TabID, int](c.badgeSize)
	return c
}

// Start evaluates the session cookie once, as on host startup. A trivial
// or absent cookie clears any stale persisted state without broadcasting —
// page agents start logged out anyway.
func (c *Coordinator) Start(ctx context.Context) error {
	value, ok, err := c.cookies.Get(ctx, c.domain, c.cookieName)
	if err != nil {
		return err
	}
	if !ok || len(value) <= 1 {
		c.clear(ctx, false)
		c.logger.Info("session: started logged out")
		return nil
	}
	c.adopt(ctx, value)
	return nil
}

// Run consumes cookie change events until ctx is cancelled or the channel
// closes. Events outside the companion domain or for other cookie names
// never touch session state.
func (c *Coordinator) Run(ctx context.Context, changes <-chan cookiewatch.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			c.Apply(ctx, ch)
		}
	}
}

// Apply processes one cookie lifecycle event.
func (c *Coordinator) Apply(ctx context.Context, ch cookiewatch.Change) {
	if ch.Cookie.Domain != c.domain || ch.Cookie.Name != c.cookieName {
		return
	}
	if ch.Removed || len(ch.Cookie.Value) <= 1 {
		c.clear(ctx, true)
		c.logger.Info("session: logged out", "removed", ch.Removed)
		return
	}
	c.adopt(ctx, ch.Cookie.Value)
}

// adopt persists a token and attempts to validate it. Fetch failure keeps
// the token (the outage is assumed temporary) but clears the cached user;
// no notification goes out until a fetch succeeds.
func (c *Coordinator) adopt(ctx context.Context, token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	if err := c.store.Set(ctx, kvstore.KeyAPIToken, token); err != nil {
		c.logger.Error("session: persist token", "error", err)
	}

	user, err := c.fetcher.Me(ctx, token)
	if err != nil {
		c.mu.Lock()
		c.user = nil
		c.mu.Unlock()
		if derr := c.store.Delete(ctx, kvstore.KeyUser); derr != nil {
			c.logger.Error("session: clear user snapshot", "error", derr)
		}
		c.logger.Warn("session: user fetch failed, keeping token", "error", err)
		return
	}

	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	if err := c.store.Set(ctx, kvstore.KeyUser, string(user.Raw)); err != nil {
		c.logger.Error("session: persist user snapshot", "error", err)
	}

	c.logger.Info("session: logged in", "user", user.Name)
	c.notifyAgents(ctx)
}

// clear drops token and user together — they are never left inconsistent.
func (c *Coordinator) clear(ctx context.Context, notify bool) {
	c.mu.Lock()
	c.token = ""
	c.user = nil
	c.mu.Unlock()

	if err := c.store.Delete(ctx, kvstore.KeyAPIToken); err != nil {
		c.logger.Error("session: clear token", "error", err)
	}
	if err := c.store.Delete(ctx, kvstore.KeyUser); err != nil {
		c.logger.Error("session: clear user snapshot", "error", err)
	}
	if notify {
		c.notifyAgents(ctx)
	}
}

// notifyAgents tells every page agent to reload its overlay surface so the
// embedded UI picks up the new session state.
func (c *Coordinator) notifyAgents(ctx context.Context) {
	env, err := bus.NewEnvelope(bus.TargetPage, bus.TypeRefreshOverlay, nil)
	if err != nil {
		c.logger.Error("session: build refresh envelope", "error", err)
		return
	}
	c.bus.Broadcast(ctx, env)
}

// User returns the cached user record, ok=false when logged out or not
// yet validated. Point-in-time snapshot: short-lived consumers (the
// popup) do not subscribe.
func (c *Coordinator) User() (*api.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.user != nil
}

// Token returns the persisted token, ok=false when absent.
func (c *Coordinator) Token() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.token != ""
}

// LoggedIn reports whether a validated user is cached.
func (c *Coordinator) LoggedIn() bool {
	_, ok := c.User()
	return ok
}

// TrackTab refreshes the badge for a tab: it asks that tab's page agent
// for its snippet count and renders the answer. Tabs without an agent
// (restricted pages) simply never answer; the badge is left alone.
func (c *Coordinator) TrackTab(ctx context.Context, tab bus.TabID) {
	env, err := bus.NewEnvelope(bus.TargetPage, bus.TypeSnippetsCount, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, countTimeout)
	defer cancel()

	raw, err := c.bus.Request(ctx, tab, env)
	if err != nil {
		c.logger.Debug("session: badge count unavailable", "tab", int(tab), "error", err)
		return
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("session: malformed count response", "tab", int(tab), "error", err)
		return
	}

	c.badges.Add(tab, resp.Count)
	if c.badge != nil {
		text := ""
		if resp.Count > 0 {
			text = strconv.Itoa(resp.Count)
		}
		c.badge.SetText(tab, text)
	}
}

// BadgeCounts snapshots the per-tab badge cache for the status surface.
func (c *Coordinator) BadgeCounts() map[bus.TabID]int {
	out := make(map[bus.TabID]int)
	for _, tab := range c.badges.Keys() {
		if v, ok := c.badges.Peek(tab); ok {
			out[tab] = v
		}
	}
	return out
}

// ReviewSelection forwards selected text to a tab's page agent as a
// partial snippet, the "save selection" entry point.
func (c *Coordinator) ReviewSelection(ctx context.Context, tab bus.TabID, text string) error {
	payload := map[string]any{
		"type":        "wiki",
		"title":       "",
		"code":        text,
		"description": "",
		"tags":        []any{},
	}
	env, err := bus.NewEnvelope(bus.TargetPage, bus.TypeReviewSelected, payload)
	if err != nil {
		return err
	}
	return c.bus.Send(ctx, tab, env)
}
