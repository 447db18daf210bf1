package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// queueDepth bounds each subscriber's mailbox. A full mailbox drops new
// envelopes, the same way the host drops messages to a wedged context.
const queueDepth = 64

type subKey struct {
	tab    TabID
	target string
}

type delivery struct {
	ctx   context.Context
	env   Envelope
	reply chan replyResult // nil for fire-and-forget
}

type replyResult struct {
	payload json.RawMessage
	err     error
}

type subscriber struct {
	mailbox chan delivery
	done    chan struct{}
	stop    func() // idempotent; closes done exactly once
}

// MemoryBus is an in-process Bus. Each subscriber drains its mailbox on a
// dedicated goroutine, which gives per-receiver FIFO ordering — slightly
// stronger than the per-channel guarantee callers may rely on.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[subKey]*subscriber
	active TabID
	hasAct bool
	logger *slog.Logger
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*MemoryBus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) MemoryBusOption {
	return func(b *MemoryBus) { b.logger = l }
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[subKey]*subscriber),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe attaches h for envelopes addressed to (tab, target).
// Re-subscribing a key replaces the previous subscriber; the replaced
// subscriber's unsubscribe func becomes a no-op, so a stale holder (a
// dropped bridge connection, say) can still call it safely.
func (b *MemoryBus) Subscribe(tab TabID, target string, h Handler) func() {
	sub := &subscriber{
		mailbox: make(chan delivery, queueDepth),
		done:    make(chan struct{}),
	}
	var once sync.Once
	sub.stop = func() { once.Do(func() { close(sub.done) }) }
	go sub.drain(h)

	key := subKey{tab: tab, target: target}
	b.mu.Lock()
	if old, ok := b.subs[key]; ok {
		old.stop()
	}
	b.subs[key] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if b.subs[key] == sub {
			delete(b.subs, key)
		}
		b.mu.Unlock()
		sub.stop()
	}
}

func (s *subscriber) drain(h Handler) {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.mailbox:
			payload, err := h(d.ctx, d.env)
			if d.reply != nil {
				d.reply <- replyResult{payload: payload, err: err}
			}
		}
	}
}

// Send delivers fire-and-forget. No receiver, full mailbox, or a torn-down
// subscriber all drop the envelope silently.
func (b *MemoryBus) Send(ctx context.Context, tab TabID, env Envelope) error {
	b.mu.RLock()
	sub, ok := b.subs[subKey{tab: tab, target: env.Target}]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case sub.mailbox <- delivery{ctx: ctx, env: env}:
	case <-sub.done:
	default:
		b.logger.Warn("bus: mailbox full, dropping",
			"tab", int(tab), "type", env.Type)
	}
	return nil
}

// Request delivers and waits for the reply, bounded by ctx.
func (b *MemoryBus) Request(ctx context.Context, tab TabID, env Envelope) (json.RawMessage, error) {
	b.mu.RLock()
	sub, ok := b.subs[subKey{tab: tab, target: env.Target}]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNoReceiver
	}

	reply := make(chan replyResult, 1)
	select {
	case sub.mailbox <- delivery{ctx: ctx, env: env, reply: reply}:
	case <-sub.done:
		return nil, ErrNoReceiver
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.payload, res.err
	case <-sub.done:
		return nil, ErrNoReceiver
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast fans out to every subscriber of env.Target across all tabs.
func (b *MemoryBus) Broadcast(ctx context.Context, env Envelope) {
	b.mu.RLock()
	var targets []*subscriber
	for key, sub := range b.subs {
		if key.target == env.Target {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.mailbox <- delivery{ctx: ctx, env: env}:
		case <-sub.done:
		default:
			b.logger.Warn("bus: mailbox full during broadcast, dropping", "type", env.Type)
		}
	}
}

// SetActiveTab records the focused tab for ActiveTab queries.
func (b *MemoryBus) SetActiveTab(tab TabID) {
	b.mu.Lock()
	b.active, b.hasAct = tab, true
	b.mu.Unlock()
}

// ClearActiveTab marks no tab as focused.
func (b *MemoryBus) ClearActiveTab() {
	b.mu.Lock()
	b.hasAct = false
	b.mu.Unlock()
}

// ActiveTab implements Tabs.
func (b *MemoryBus) ActiveTab() (TabID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active, b.hasAct
}
