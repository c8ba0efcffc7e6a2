// Package transport delivers events to subscribers. Two mechanisms are
// provided: in-process handler calls and HTTP callbacks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/subscription"
)

// Transport delivers a single event to a single subscriber. A nil return
// means the subscriber acknowledged the event; any error makes the attempt
// eligible for retry.
type Transport interface {
	Deliver(ctx context.Context, evt event.Event) error
}

// Handler processes an event delivered in-process. Returning an error marks
// the delivery attempt failed. Handlers must honor ctx cancellation for the
// dispatcher's delivery timeout to take effect; a handler that ignores ctx
// holds its attempt open until it returns.
type Handler func(ctx context.Context, evt event.Event) error

// ErrUnknownHandler is returned when an in-process delivery targets a name
// with no registered handler.
var ErrUnknownHandler = errors.New("no handler registered for target")

// Hub is the in-process handler registry. Handlers are addressed by name
// from a subscription's transport target.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]Handler)}
}

// Register binds a handler to a target name, replacing any previous handler
// under the same name.
func (h *Hub) Register(target string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[target] = fn
}

// Unregister removes a handler.
func (h *Hub) Unregister(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, target)
}

// deliver invokes the handler registered under target. Handler panics are
// converted to errors so one subscriber cannot take down the dispatcher.
func (h *Hub) deliver(ctx context.Context, target string, evt event.Event) (err error) {
	h.mu.RLock()
	fn, ok := h.handlers[target]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, target)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %q panicked: %v", target, r)
		}
	}()
	return fn(ctx, evt)
}

// inProcessTransport adapts a hub target to the Transport interface.
type inProcessTransport struct {
	hub    *Hub
	target string
}

func (t *inProcessTransport) Deliver(ctx context.Context, evt event.Event) error {
	return t.hub.deliver(ctx, t.target, evt)
}

// Binder resolves a subscription's transport spec into a Transport.
type Binder struct {
	hub  *Hub
	http *HTTPCallback
}

// NewBinder creates a binder over the given hub and HTTP callback client.
// Either may be nil to disable that transport kind.
func NewBinder(hub *Hub, httpClient *HTTPCallback) *Binder {
	return &Binder{hub: hub, http: httpClient}
}

// Bind validates spec and returns the Transport to deliver through.
func (b *Binder) Bind(spec subscription.TransportSpec) (Transport, error) {
	switch spec.Kind {
	case subscription.TransportInProcess:
		if b.hub == nil {
			return nil, errors.New("in-process transport is not enabled")
		}
		if spec.Target == "" {
			return nil, errors.New("in-process transport requires a handler target")
		}
		return &inProcessTransport{hub: b.hub, target: spec.Target}, nil

	case subscription.TransportHTTP:
		if b.http == nil {
			return nil, errors.New("http transport is not enabled")
		}
		u, err := url.Parse(spec.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid callback url %q", spec.Target)
		}
		return &callbackTransport{client: b.http, url: spec.Target}, nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", spec.Kind)
	}
}
