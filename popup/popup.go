// Package popup implements the toolbar popup context: a short-lived view
// over the active tab's snippets. It opens, queries, renders, and dies; it
// holds no state and subscribes to nothing.
package popup

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/snippetify/snipd/api"
	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/extract"
)

// DefaultTimeout bounds each page query. Restricted pages have no agent
// and never answer; the popup renders empty instead of hanging.
const DefaultTimeout = 2 * time.Second

// ErrNoActiveTab is returned when the host reports no active tab.
var ErrNoActiveTab = errors.New("popup: no active tab")

// UserSource exposes the session's cached user for the header area.
// *session.Coordinator satisfies it.
type UserSource interface {
	User() (*api.User, bool)
}

// View is everything one popup render needs.
type View struct {
	Tab      bus.TabID
	Count    int
	Snippets []extract.Snippet
	User     *api.User
}

// Agent drives one popup lifetime.
type Agent struct {
	bus     bus.Bus
	tabs    bus.Tabs
	users   UserSource
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithUserSource attaches session state for the popup header.
func WithUserSource(us UserSource) Option {
	return func(a *Agent) { a.users = us }
}

// WithTimeout overrides the per-query deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) { a.timeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates a popup agent.
func New(b bus.Bus, tabs bus.Tabs, opts ...Option) *Agent {
	a := &Agent{
		bus:     b,
		tabs:    tabs,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Open resolves the active tab and runs the two page queries. The queries
// are independent and issued concurrently: either can fail without taking
// the other down, a page that answers nothing yields an empty view rather
// than an error, and a silent page costs one deadline, not two.
func (a *Agent) Open(ctx context.Context) (*View, error) {
	tab, ok := a.tabs.ActiveTab()
	if !ok {
		return nil, ErrNoActiveTab
	}

	v := &View{Tab: tab}
	if a.users != nil {
		v.User, _ = a.users.User()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		raw, err := a.query(ctx, tab, bus.TypeSnippetsCount)
		if err != nil {
			a.logger.Debug("popup: count query failed", "tab", int(tab), "error", err)
			return
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(raw, &resp); err == nil {
			v.Count = resp.Count
		}
	}()

	go func() {
		defer wg.Done()
		raw, err := a.query(ctx, tab, bus.TypeFoundSnippets)
		if err != nil {
			a.logger.Debug("popup: snippets query failed", "tab", int(tab), "error", err)
			return
		}
		var resp struct {
			Snippets []extract.Snippet `json:"snippets"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			a.logger.Warn("popup: malformed snippets response", "tab", int(tab), "error", err)
			return
		}
		v.Snippets = resp.Snippets
	}()

	wg.Wait()
	return v, nil
}

// Select is the user's click on a list item: tell the page to scroll to
// that block. The host closes the popup right after, so delivery is
// fire-and-forget.
func (a *Agent) Select(ctx context.Context, tab bus.TabID, uid string) error {
	env, err := bus.NewEnvelope(bus.TargetPage, bus.TypeGoToSnippet, map[string]string{"uid": uid})
	if err != nil {
		return err
	}
	return a.bus.Send(ctx, tab, env)
}

func (a *Agent) query(ctx context.Context, tab bus.TabID, typ string) (json.RawMessage, error) {
	env, err := bus.NewEnvelope(bus.TargetPage, typ, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.bus.Request(ctx, tab, env)
}
