// Package hostws bridges a real extension to the local bus over a
// websocket. The remote side subscribes its tabs, answers page queries,
// and relays user actions; the daemon sees it exactly like the simulated
// host, one envelope at a time.
package hostws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snippetify/snipd/bus"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// replyWait bounds how long a delivery waits for the remote's answer.
	replyWait = 10 * time.Second
)

// BusHost is the bus surface the bridge drives: messaging plus active-tab
// tracking. *bus.MemoryBus satisfies it.
type BusHost interface {
	bus.Bus
	SetActiveTab(bus.TabID)
	ClearActiveTab()
}

// Frame is one message on the wire, both directions.
//
// Inbound kinds: "subscribe", "send", "request", "reply", "active_tab".
// Outbound kinds: "response", "deliver", "error".
type Frame struct {
	Kind    string          `json:"kind"`
	ID      int64           `json:"id,omitempty"`
	Tab     int             `json:"tab,omitempty"`
	Target  string          `json:"target,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Bridge accepts extension connections and splices them onto the bus.
type Bridge struct {
	bus      BusHost
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a Bridge over the given bus.
func New(b BusHost, opts ...Option) *Bridge {
	br := &Bridge{
		bus:    b,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The extension connects from its own origin; the bearer check
			// happens in the router in front of this handler.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(br)
	}
	return br
}

// ServeHTTP upgrades one extension connection and relays until it drops.
func (br *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		bridge:  br,
		ws:      ws,
		writeCh: make(chan Frame, 32),
		pending: make(map[int64]chan Frame),
	}
	defer c.teardown()

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go c.writer(ctx, writerDone)

	br.logger.Info("hostws: extension connected", "remote", r.RemoteAddr)
	c.readLoop(ctx)
	cancel()
	<-writerDone
	br.logger.Info("hostws: extension disconnected", "remote", r.RemoteAddr)
}

// conn is one live extension connection.
type conn struct {
	bridge  *Bridge
	ws      *websocket.Conn
	writeCh chan Frame

	nextID atomic.Int64

	mu      sync.Mutex
	subs    []func()
	pending map[int64]chan Frame
}

func (c *conn) writer(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Kind {
		case "subscribe":
			c.subscribe(f)
		case "send":
			env := bus.Envelope{Target: f.Target, Type: f.Type, Payload: f.Payload}
			if err := c.bridge.bus.Send(ctx, bus.TabID(f.Tab), env); err != nil {
				c.push(Frame{Kind: "error", ID: f.ID, Error: err.Error()})
			}
		case "request":
			go c.relay(ctx, f)
		case "reply":
			c.settle(f)
		case "active_tab":
			if f.Tab < 0 {
				c.bridge.bus.ClearActiveTab()
			} else {
				c.bridge.bus.SetActiveTab(bus.TabID(f.Tab))
			}
		default:
			c.push(Frame{Kind: "error", ID: f.ID, Error: "unsupported kind: " + f.Kind})
		}
	}
}

// subscribe registers this connection as the receiver for a (tab, target)
// pair. Deliveries go out as "deliver" frames; the id carries the reply
// correlation when the local side asked a question.
func (c *conn) subscribe(f Frame) {
	tab := bus.TabID(f.Tab)
	target := f.Target
	unsub := c.bridge.bus.Subscribe(tab, target, func(ctx context.Context, env bus.Envelope) (json.RawMessage, error) {
		return c.deliver(ctx, tab, env)
	})
	c.mu.Lock()
	c.subs = append(c.subs, unsub)
	c.mu.Unlock()
	c.bridge.logger.Debug("hostws: subscribed", "tab", f.Tab, "target", target)
}

// deliver forwards one envelope to the remote and waits for its reply.
func (c *conn) deliver(ctx context.Context, tab bus.TabID, env bus.Envelope) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.push(Frame{
		Kind:    "deliver",
		ID:      id,
		Tab:     int(tab),
		Target:  env.Target,
		Type:    env.Type,
		Payload: env.Payload,
	})

	timer := time.NewTimer(replyWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("hostws: reply timeout")
	case f := <-ch:
		if f.Error != "" {
			return nil, errors.New(f.Error)
		}
		return f.Payload, nil
	}
}

// relay runs one remote-initiated request against the local bus.
func (c *conn) relay(ctx context.Context, f Frame) {
	env := bus.Envelope{Target: f.Target, Type: f.Type, Payload: f.Payload}
	ctx, cancel := context.WithTimeout(ctx, replyWait)
	defer cancel()

	raw, err := c.bridge.bus.Request(ctx, bus.TabID(f.Tab), env)
	if err != nil {
		c.push(Frame{Kind: "response", ID: f.ID, Error: err.Error()})
		return
	}
	c.push(Frame{Kind: "response", ID: f.ID, Payload: raw})
}

// settle hands a remote reply to the delivery waiting on it.
func (c *conn) settle(f Frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	c.mu.Unlock()
	if ch == nil {
		c.bridge.logger.Debug("hostws: reply for unknown id", "id", f.ID)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// push queues a frame; a stalled connection drops rather than blocks.
func (c *conn) push(f Frame) {
	select {
	case c.writeCh <- f:
	default:
		c.bridge.logger.Warn("hostws: write queue full, dropping frame", "kind", f.Kind)
	}
}

func (c *conn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}
