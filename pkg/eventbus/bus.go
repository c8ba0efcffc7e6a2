// Package eventbus is a durable publish/subscribe event bus with
// correlation tracking, ordered asynchronous dispatch, and dead-lettering.
//
// Events are validated, persisted with a dense monotonic sequence, and then
// delivered to matching subscribers in the background. Publish acknowledges
// durability, not delivery: a subscriber failure never fails the publisher.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modkit/eventbus/pkg/eventbus/dispatch"
	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/observability"
	"github.com/modkit/eventbus/pkg/eventbus/store"
	"github.com/modkit/eventbus/pkg/eventbus/subscription"
	"github.com/modkit/eventbus/pkg/eventbus/transport"
)

// Bus wires the validator, store, registry, and dispatcher into one
// publish/subscribe surface.
type Bus struct {
	opts       busOptions
	hub        *transport.Hub
	binder     *transport.Binder
	dispatcher *dispatch.Dispatcher
}

// Stats combines persisted history with dispatch counters.
type Stats struct {
	Store    store.Stats    `json:"store"`
	Dispatch dispatch.Stats `json:"dispatch"`
}

// New creates and starts a bus. Without options everything is in-memory;
// production deployments pass SQLite-backed components.
func New(opts ...Option) (*Bus, error) {
	o := busOptions{
		validator: event.DefaultValidator,
		resolver:  AllowAllModules{},
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		dispatch:  dispatch.DefaultConfig,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}
	if o.registry == nil {
		o.registry = subscription.NewMemoryRegistry()
	}
	if o.dlq == nil {
		o.dlq = dispatch.NewMemoryDLQ()
	}

	o.dispatch.Logger = o.logger
	o.dispatch.Metrics = o.metrics
	o.dispatch.Spans = o.spans

	hub := transport.NewHub()
	binder := transport.NewBinder(hub, transport.NewHTTPCallback(o.httpClient))

	b := &Bus{
		opts:       o,
		hub:        hub,
		binder:     binder,
		dispatcher: dispatch.New(o.registry, binder, o.dlq, o.dispatch),
	}
	b.dispatcher.Start(o.store.LastSequence() + 1)
	return b, nil
}

// Publish validates and durably appends a candidate event, then hands it to
// the dispatcher. On return the event is persisted; delivery happens
// asynchronously.
func (b *Bus) Publish(ctx context.Context, c event.Candidate) (event.Event, error) {
	start := time.Now()
	ctx, span := b.opts.spans.StartPublishSpan(ctx, c.Type, c.SourceModuleID)

	evt, err := b.publish(ctx, c)

	b.opts.spans.EndSpanWithError(span, err)
	b.opts.metrics.RecordPublish(ctx, c.Type, err == nil, time.Since(start))
	if err != nil {
		observability.LogPublishRejected(b.opts.logger, c.Type, c.SourceModuleID, err)
		return event.Event{}, err
	}
	observability.LogPublish(b.opts.logger, evt.EventID, evt.Type, evt.SourceModuleID, evt.Sequence)
	return evt, nil
}

func (b *Bus) publish(ctx context.Context, c event.Candidate) (event.Event, error) {
	if err := b.opts.validator.Validate(c); err != nil {
		return event.Event{}, err
	}

	known, err := b.opts.resolver.KnownModule(ctx, c.SourceModuleID)
	if err != nil {
		return event.Event{}, fmt.Errorf("resolve source module: %w", err)
	}
	if !known {
		return event.Event{}, &event.UnknownModuleError{ModuleID: c.SourceModuleID}
	}

	evt, err := b.opts.store.Append(ctx, c)
	if err != nil {
		return event.Event{}, err
	}

	if err := b.dispatcher.Enqueue(evt); err != nil {
		// The event is already durable; report the failed hand-off but
		// keep the append.
		return evt, fmt.Errorf("enqueue for dispatch: %w", err)
	}
	return evt, nil
}

// Get returns a persisted event by id.
func (b *Bus) Get(ctx context.Context, eventID string) (event.Event, error) {
	return b.opts.store.Get(ctx, eventID)
}

// Query returns a filtered page of persisted events plus the total match
// count.
func (b *Bus) Query(ctx context.Context, f store.Filter, p store.Page, order store.Order) ([]event.Event, int64, error) {
	return b.opts.store.Query(ctx, f, p, order)
}

// Stats returns store and dispatch statistics.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	storeStats, err := b.opts.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Store: storeStats, Dispatch: b.dispatcher.Stats()}, nil
}

// Purge deletes persisted events older than the cutoff, optionally limited
// to the given types. Dispatch state is unaffected.
func (b *Bus) Purge(ctx context.Context, olderThan time.Time, types []string) (int64, error) {
	return b.opts.store.Purge(ctx, olderThan, types)
}

// Subscribe registers a subscription. The transport spec is validated
// before registration so a broken callback URL is rejected up front.
func (b *Bus) Subscribe(ctx context.Context, sub subscription.Subscription) (subscription.Subscription, error) {
	if _, err := b.binder.Bind(sub.Transport); err != nil {
		return subscription.Subscription{}, err
	}
	sub.Active = true
	return b.opts.registry.Register(ctx, sub)
}

// HandleFunc registers an in-process handler under target and returns a
// subscription for it, the embedded-use shortcut for Subscribe.
func (b *Bus) HandleFunc(ctx context.Context, pattern, moduleID string, fn transport.Handler) (subscription.Subscription, error) {
	b.hub.Register(moduleID, fn)
	return b.Subscribe(ctx, subscription.Subscription{
		EventType: pattern,
		ModuleID:  moduleID,
		Transport: subscription.TransportSpec{
			Kind:   subscription.TransportInProcess,
			Target: moduleID,
		},
	})
}

// Subscriptions lists all subscriptions.
func (b *Bus) Subscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	return b.opts.registry.List(ctx)
}

// GetSubscription returns one subscription.
func (b *Bus) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	return b.opts.registry.Get(ctx, id)
}

// Activate resumes delivery for a subscription.
func (b *Bus) Activate(ctx context.Context, id string) error {
	return b.opts.registry.Activate(ctx, id)
}

// Deactivate pauses delivery for a subscription. Events published while it
// is inactive are not delivered later.
func (b *Bus) Deactivate(ctx context.Context, id string) error {
	return b.opts.registry.Deactivate(ctx, id)
}

// DeadLetters lists abandoned deliveries, newest first.
func (b *Bus) DeadLetters(ctx context.Context, limit, offset int) ([]dispatch.DeadLetter, int64, error) {
	return b.opts.dlq.List(ctx, limit, offset)
}

// RetryDeadLetter redelivers a dead-lettered event once and removes it from
// the queue on success.
func (b *Bus) RetryDeadLetter(ctx context.Context, id string) error {
	dl, err := b.opts.dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := b.dispatcher.Redeliver(ctx, dl); err != nil {
		return err
	}
	return b.opts.dlq.Remove(ctx, id)
}

// Close drains in-flight deliveries and releases all resources.
func (b *Bus) Close() error {
	errs := []error{
		b.dispatcher.Close(),
		b.opts.registry.Close(),
		b.opts.dlq.Close(),
		b.opts.store.Close(),
	}
	return errors.Join(errs...)
}
