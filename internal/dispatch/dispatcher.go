// Package dispatch routes decoded envelopes to per-type handlers and
// lifecycle events to listeners.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"classlink/internal/logging"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// Request is what a handler receives for one incoming envelope.
type Request struct {
	Envelope *types.Envelope
	// Peer is the session the envelope arrived on; replies may go
	// straight back through it.
	Peer interfaces.Peer
	// PeerID is empty when the peer has not completed a handshake.
	PeerID string
}

// HandlerFunc handles one message type. Handlers run on the sending
// peer's receive goroutine: a handler that blocks stalls that peer only.
type HandlerFunc func(ctx context.Context, req *Request) error

// ListenerFunc observes lifecycle events.
type ListenerFunc func(Event)

// Dispatcher owns one handler table and one listener table. Each
// server or client instance has its own.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	listeners map[string][]ListenerFunc
	limiter   *RateLimiter
	logger    logging.Logger
}

// NewDispatcher returns an empty dispatcher. limiter may be nil.
func NewDispatcher(logger logging.Logger, limiter *RateLimiter) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		handlers:  make(map[string]HandlerFunc),
		listeners: make(map[string][]ListenerFunc),
		limiter:   limiter,
		logger:    logger,
	}
}

// Handle registers fn for msgType, replacing any previous handler.
func (d *Dispatcher) Handle(msgType string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn == nil {
		delete(d.handlers, msgType)
		return
	}
	d.handlers[msgType] = fn
}

// HasHandler reports whether msgType has a registered handler.
func (d *Dispatcher) HasHandler(msgType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[msgType]
	return ok
}

// AddListener appends fn to the listeners for event. Listeners run in
// registration order.
func (d *Dispatcher) AddListener(event string, fn ListenerFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[event] = append(d.listeners[event], fn)
}

// Dispatch invokes the handler for req.Envelope.Type and reports whether
// one ran. Unregistered types and rate-limited messages are dropped with
// a log line. Handler errors and panics are logged, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) bool {
	if req == nil || req.Envelope == nil {
		return false
	}
	env := req.Envelope

	d.mu.RLock()
	fn, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if env.Type == "" || !ok {
		d.logger.Debug("no handler for message type, dropping",
			"type", env.Type, "peer_id", req.PeerID)
		return false
	}

	if !d.limiter.Allow(d.rateKey(req)) {
		d.logger.Warn("rate limit exceeded, dropping message",
			"type", env.Type, "peer_id", req.PeerID)
		return false
	}

	if err := d.invoke(ctx, fn, req); err != nil {
		d.logger.Error("message handler failed",
			"type", env.Type, "peer_id", req.PeerID, "error", err)
	}
	return true
}

func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Debug("handler panic stack", "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn(ctx, req)
}

func (d *Dispatcher) rateKey(req *Request) string {
	if req.PeerID != "" {
		return req.PeerID
	}
	if req.Peer != nil && req.Peer.RemoteAddr() != nil {
		return req.Peer.RemoteAddr().String()
	}
	return ""
}

// ForgetPeer releases per-peer state such as rate limit windows.
func (d *Dispatcher) ForgetPeer(peerID string) {
	d.limiter.Forget(peerID)
}

// Emit calls every listener for ev.Name in registration order. A
// listener that panics is logged and the rest still run.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	listeners := make([]ListenerFunc, len(d.listeners[ev.Name]))
	copy(listeners, d.listeners[ev.Name])
	d.mu.RUnlock()

	for i, fn := range listeners {
		d.notify(i, fn, ev)
	}
}

func (d *Dispatcher) notify(index int, fn ListenerFunc, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked",
				"event", ev.Name, "listener", index, "panic", r)
		}
	}()
	fn(ev)
}
