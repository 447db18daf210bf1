// Package bus is the host-mediated message fabric between the three
// extension contexts (background, per-page agent, popup). Contexts share
// no memory; every interaction is an envelope sent through a Bus.
//
// Delivery semantics follow the host runtime, not a broker: envelopes from
// one sender to one receiver arrive in send order, nothing is ordered
// across senders, and an envelope addressed to a destroyed context is
// dropped silently. Callers own their timeouts; the bus never guarantees
// a response will arrive.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

// Message types understood by the page agent.
const (
	TargetPage = "cs_target"

	TypeSnippetsCount  = "cs_snippets_count"
	TypeFoundSnippets  = "cs_found_snippets"
	TypeReviewSelected = "review_selected_snippet"
	TypeGoToSnippet    = "go_to_snippet"
	TypeRefreshOverlay = "refresh_overlay"
)

// TabID identifies one page context within the host.
type TabID int

// Envelope is the uniform message format. Payload is optional.
type Envelope struct {
	Target  string          `json:"target"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload produces an
// envelope without one.
func NewEnvelope(target, typ string, payload any) (Envelope, error) {
	env := Envelope{Target: target, Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Handler consumes one envelope. A nil reply with nil error means
// "handled, nothing to say" — normal for fire-and-forget types.
type Handler func(ctx context.Context, env Envelope) (json.RawMessage, error)

// ErrNoReceiver is returned by Request when no context is listening at the
// destination. Callers treat it as absence, not failure: the host drops
// messages to destroyed contexts without ceremony.
var ErrNoReceiver = errors.New("bus: no receiver")

// Bus is the injected messaging capability. Production adapters bind it to
// a real host runtime (see hostws); MemoryBus backs tests and single
// process deployments.
type Bus interface {
	// Send delivers fire-and-forget. An unreachable receiver is not an
	// error.
	Send(ctx context.Context, tab TabID, env Envelope) error

	// Request delivers and waits for the receiver's reply, bounded by ctx.
	// Returns ErrNoReceiver when nothing is listening.
	Request(ctx context.Context, tab TabID, env Envelope) (json.RawMessage, error)

	// Broadcast delivers to every subscriber of env.Target across all
	// tabs, fire-and-forget.
	Broadcast(ctx context.Context, env Envelope)

	// Subscribe attaches a handler for envelopes addressed to (tab,
	// target). The returned func detaches it; pending deliveries are
	// dropped, mirroring a destroyed context.
	Subscribe(tab TabID, target string, h Handler) (unsubscribe func())
}

// Tabs exposes the host's tab registry to short-lived contexts.
type Tabs interface {
	// ActiveTab reports the currently focused tab, ok=false when none.
	ActiveTab() (TabID, bool)
}
