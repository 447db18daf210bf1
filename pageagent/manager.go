package pageagent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/extract"
)

// Manager tracks live agents by tab. Navigation within a tab replaces its
// agent wholesale; nothing survives a page load.
type Manager struct {
	bus    bus.Bus
	target extract.Target
	logger *slog.Logger
	opts   []Option

	mu     sync.Mutex
	agents map[bus.TabID]*Agent
}

// NewManager creates an agent registry. The given options are applied to
// every agent it opens.
func NewManager(b bus.Bus, target extract.Target, opts ...Option) *Manager {
	return &Manager{
		bus:    b,
		target: target,
		logger: slog.Default(),
		opts:   opts,
		agents: make(map[bus.TabID]*Agent),
	}
}

// Open attaches a fresh agent to a tab, replacing any previous one.
func (m *Manager) Open(ctx context.Context, tab bus.TabID, doc Document, surface Surface) (*Agent, error) {
	m.Close(tab)

	a := New(tab, doc, surface, m.bus, m.target, m.opts...)
	if err := a.Attach(ctx); err != nil {
		return nil, fmt.Errorf("pageagent: open tab %d: %w", int(tab), err)
	}

	m.mu.Lock()
	m.agents[tab] = a
	m.mu.Unlock()
	return a, nil
}

// Close detaches and forgets a tab's agent, as on tab close or navigation.
func (m *Manager) Close(tab bus.TabID) {
	m.mu.Lock()
	a := m.agents[tab]
	delete(m.agents, tab)
	m.mu.Unlock()
	if a != nil {
		a.Detach()
	}
}

// Agent returns the live agent for a tab, if any.
func (m *Manager) Agent(tab bus.TabID) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[tab]
	return a, ok
}

// Tabs lists tabs with live agents in ascending order.
func (m *Manager) Tabs() []bus.TabID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bus.TabID, 0, len(m.agents))
	for tab := range m.agents {
		out = append(out, tab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
