// Package pageagent is the per-page context: it discovers candidate code
// blocks, drives the injected overlay surface, and answers queries from
// the other contexts over the bus.
//
// One Agent exists per loaded page and holds no state across reloads.
// Every query triggers a fresh scan — the page owns its DOM and may have
// mutated it since the last one.
package pageagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/net/html"

	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/extract"
)

// CompanionProvider marks pages served by the companion application
// itself; the agent does not inject affordances there.
const CompanionProvider = "snippetify"

// State is the agent lifecycle state.
type State int

const (
	// StateIdle: no code blocks found, overlay surface never created.
	StateIdle State = iota
	// StateReady: overlay surface exists (hidden), affordances attached.
	StateReady
	// StateOverlayOpen: overlay visible with a snippet payload pushed in.
	StateOverlayOpen
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateOverlayOpen:
		return "overlay_open"
	default:
		return "unknown"
	}
}

// Document is the agent's window onto its page. Root must return a fresh
// parse of the current DOM on every call; implementations must not cache
// across mutations. hostrod binds this to a live browser tab.
type Document interface {
	Root(ctx context.Context) (*html.Node, error)
	URL() string
}

// Surface is the injected in-page machinery: the overlay iframe, the
// per-block action affordances, and scrolling. All operations are
// best-effort; a surface on a torn-down page may fail and the agent
// degrades silently.
type Surface interface {
	// EnsureOverlay creates the overlay hidden. Called once, only on
	// pages that have candidate blocks.
	EnsureOverlay(ctx context.Context) error
	// OpenOverlay pushes a snippet into the overlay and fades it in.
	OpenOverlay(ctx context.Context, s extract.Snippet) error
	// CloseOverlay fades the overlay out.
	CloseOverlay(ctx context.Context) error
	// ReloadOverlay reloads the overlay's content origin so the embedded
	// UI reflects new session state.
	ReloadOverlay(ctx context.Context) error
	// InjectActions attaches one action affordance per candidate block.
	InjectActions(ctx context.Context, count int) error
	// ScrollTo smooth-scrolls the block with the given uid into view.
	ScrollTo(ctx context.Context, uid int) error
}

// Agent is one page's controller.
type Agent struct {
	tab       bus.TabID
	doc       Document
	surface   Surface
	scanner   *extract.Scanner
	extractor *extract.Extractor
	target    extract.Target
	bus       bus.Bus
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	unsubscribe func()
}

// Option configures an Agent.
type Option func(*Agent)

// WithScanner overrides the default candidate selectors.
func WithScanner(s *extract.Scanner) Option {
	return func(a *Agent) { a.scanner = s }
}

// WithExtractor overrides the default extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(a *Agent) { a.extractor = e }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an Agent for one tab. Call Attach to scan and go live.
func New(tab bus.TabID, doc Document, surface Surface, b bus.Bus, target extract.Target, opts ...Option) *Agent {
	a := &Agent{
		tab:       tab,
		doc:       doc,
		surface:   surface,
		scanner:   extract.NewScanner(),
		extractor: extract.NewExtractor(),
		target:    target,
		bus:       b,
		logger:    slog.Default(),
		state:     StateIdle,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Tab returns the agent's tab id.
func (a *Agent) Tab() bus.TabID { return a.tab }

// Attach performs the initial scan and subscribes to the bus. A page with
// no candidate blocks stays Idle and creates no overlay — the normal case
// for most of the web, not an error.
func (a *Agent) Attach(ctx context.Context) error {
	root, err := a.doc.Root(ctx)
	if err != nil {
		return fmt.Errorf("pageagent: initial scan: %w", err)
	}
	blocks := a.scanner.Scan(root)

	if len(blocks) > 0 {
		if err := a.surface.EnsureOverlay(ctx); err != nil {
			return fmt.Errorf("pageagent: create overlay: %w", err)
		}
		if extract.Provider(root) != CompanionProvider {
			if err := a.surface.InjectActions(ctx, len(blocks)); err != nil {
				a.logger.Warn("pageagent: inject actions failed", "tab", int(a.tab), "error", err)
			}
		}
		a.setState(StateReady)
	}

	a.unsubscribe = a.bus.Subscribe(a.tab, bus.TargetPage, a.handle)
	a.logger.Info("pageagent: attached",
		"tab", int(a.tab), "blocks", len(blocks), "state", a.State().String())
	return nil
}

// Detach simulates page unload: the agent stops being reachable.
func (a *Agent) Detach() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

// handle dispatches one bus envelope. Unknown types are ignored.
func (a *Agent) handle(ctx context.Context, env bus.Envelope) (json.RawMessage, error) {
	switch env.Type {
	case bus.TypeSnippetsCount:
		return a.handleCount(ctx)
	case bus.TypeFoundSnippets:
		return a.handleList(ctx)
	case bus.TypeReviewSelected:
		return nil, a.handleReview(ctx, env.Payload)
	case bus.TypeGoToSnippet:
		return nil, a.handleGoTo(ctx, env.Payload)
	case bus.TypeRefreshOverlay:
		return nil, a.handleRefresh(ctx)
	default:
		a.logger.Debug("pageagent: ignoring envelope", "type", env.Type)
		return nil, nil
	}
}

func (a *Agent) handleCount(ctx context.Context) (json.RawMessage, error) {
	blocks, _, err := a.rescan(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"count": len(blocks)})
}

func (a *Agent) handleList(ctx context.Context) (json.RawMessage, error) {
	blocks, root, err := a.rescan(ctx)
	if err != nil {
		return nil, err
	}
	pc := extract.NewPageContext(root, a.doc.URL(), a.target)
	snippets := make([]extract.Snippet, 0, len(blocks))
	for _, b := range blocks {
		snippets = append(snippets, a.extractor.Extract(b, pc))
	}
	return json.Marshal(map[string][]extract.Snippet{"snippets": snippets})
}

// handleReview opens the overlay with a partial snippet built from
// selected text. In Idle there is no overlay to open; the command is
// dropped, preserving "no blocks, no surface".
func (a *Agent) handleReview(ctx context.Context, payload json.RawMessage) error {
	if a.State() == StateIdle {
		a.logger.Debug("pageagent: review ignored in idle", "tab", int(a.tab))
		return nil
	}
	var s extract.Snippet
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s); err != nil {
			a.logger.Warn("pageagent: malformed review payload", "error", err)
			return nil
		}
	}
	if s.Type == "" {
		s.Type = extract.SnippetType
	}
	return a.openOverlay(ctx, s)
}

func (a *Agent) handleGoTo(ctx context.Context, payload json.RawMessage) error {
	var req struct {
		UID *flexInt `json:"uid"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		a.logger.Warn("pageagent: malformed goto payload", "error", err)
		return nil
	}
	// An absent uid is not uid 0; the command carries no destination.
	if req.UID == nil {
		a.logger.Debug("pageagent: goto without uid", "tab", int(a.tab))
		return nil
	}
	uid := int(*req.UID)

	// Uids are positional and not stable across DOM mutation; a uid that
	// no longer resolves is silently dropped.
	blocks, _, err := a.rescan(ctx)
	if err != nil {
		return err
	}
	if uid < 0 || uid >= len(blocks) {
		a.logger.Debug("pageagent: goto uid not found", "uid", uid, "blocks", len(blocks))
		return nil
	}
	return a.surface.ScrollTo(ctx, uid)
}

func (a *Agent) handleRefresh(ctx context.Context) error {
	if a.State() == StateIdle {
		return nil
	}
	return a.surface.ReloadOverlay(ctx)
}

// ActivateBlock is the user's click on an injected action affordance:
// extract that block's snippet and open the overlay.
func (a *Agent) ActivateBlock(ctx context.Context, uid int) error {
	blocks, root, err := a.rescan(ctx)
	if err != nil {
		return err
	}
	if uid < 0 || uid >= len(blocks) {
		return nil
	}
	pc := extract.NewPageContext(root, a.doc.URL(), a.target)
	return a.openOverlay(ctx, a.extractor.Extract(blocks[uid], pc))
}

// overlayEnvelope is the versioned cross-origin message format spoken by
// the overlay surface.
type overlayEnvelope struct {
	Type    string          `json:"type"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleOverlayMessage processes a cross-origin message from the embedded
// overlay. Only the known close envelope acts; everything else is ignored.
func (a *Agent) HandleOverlayMessage(ctx context.Context, raw []byte) {
	var env overlayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Debug("pageagent: unparseable overlay message")
		return
	}
	if env.Type != "NEW_SNIPPET" {
		a.logger.Debug("pageagent: unknown overlay envelope", "type", env.Type)
		return
	}
	if env.Action == "close" {
		if err := a.surface.CloseOverlay(ctx); err != nil {
			a.logger.Warn("pageagent: close overlay failed", "error", err)
		}
		a.mu.Lock()
		if a.state == StateOverlayOpen {
			a.state = StateReady
		}
		a.mu.Unlock()
	}
}

func (a *Agent) openOverlay(ctx context.Context, s extract.Snippet) error {
	if err := a.surface.OpenOverlay(ctx, s); err != nil {
		return fmt.Errorf("pageagent: open overlay: %w", err)
	}
	a.setState(StateOverlayOpen)
	return nil
}

// rescan fetches the current DOM and discovers blocks. Absence of blocks
// is a normal result, never an error.
func (a *Agent) rescan(ctx context.Context) ([]extract.CandidateBlock, *html.Node, error) {
	root, err := a.doc.Root(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("pageagent: scan: %w", err)
	}
	return a.scanner.Scan(root), root, nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// flexInt unmarshals from both a JSON number and a numeric string — uids
// travel both ways depending on the host.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("uid is neither number nor string: %s", data)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("uid %q is not numeric: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}
