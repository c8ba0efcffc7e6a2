// Package dispatch fans persisted events out to matching subscribers.
//
// The dispatcher consumes the publish stream in sequence order through a
// reorder buffer, then hands each event to one serial worker per
// subscription. A slow or failing subscriber therefore delays only its own
// deliveries; order is preserved per subscriber, not across subscribers.
package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/observability"
	"github.com/modkit/eventbus/pkg/eventbus/retry"
	"github.com/modkit/eventbus/pkg/eventbus/subscription"
	"github.com/modkit/eventbus/pkg/eventbus/transport"
)

// ErrDispatcherClosed is returned when enqueueing into a closed dispatcher.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Config configures the dispatcher.
type Config struct {
	// QueueSize bounds the intake buffer between publishers and the
	// dispatch loop. Publishers block when it is full.
	QueueSize int

	// WorkerQueueSize is the initial capacity of each subscription's
	// delivery queue. Queues grow past it when a subscriber falls
	// behind; the dispatch loop never blocks on a single subscriber.
	WorkerQueueSize int

	// Retry governs delivery attempts per subscriber.
	Retry retry.Config

	// DeliveryTimeout bounds a single delivery attempt.
	DeliveryTimeout time.Duration

	// GapWait is how long the reorder buffer waits for a missing
	// sequence before skipping past it. Gaps only occur when a publisher
	// dies between persisting an event and handing it off.
	GapWait time.Duration

	// Logger receives dispatch logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records dispatch metrics. Nil means no-op.
	Metrics observability.MetricsRecorder

	// Spans manages delivery trace spans. Nil means no-op.
	Spans observability.SpanManager
}

// DefaultConfig is the standard dispatcher configuration.
var DefaultConfig = Config{
	QueueSize:       1024,
	WorkerQueueSize: 256,
	Retry:           retry.Default,
	DeliveryTimeout: 10 * time.Second,
	GapWait:         5 * time.Second,
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Enqueued     int64 `json:"enqueued"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Pending      int64 `json:"pending"`
}

// Dispatcher delivers persisted events to subscribers.
type Dispatcher struct {
	cfg      Config
	registry subscription.Registry
	binder   *transport.Binder
	dlq      DeadLetterQueue

	intake chan event.Event

	ctx    context.Context
	cancel context.CancelFunc

	runWG    sync.WaitGroup
	workerWG sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	enqueued     atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	pending      atomic.Int64
}

// New creates a dispatcher. Call Start before publishing.
func New(registry subscription.Registry, binder *transport.Binder, dlq DeadLetterQueue, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = DefaultConfig.WorkerQueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig.DeliveryTimeout
	}
	if cfg.GapWait <= 0 {
		cfg.GapWait = DefaultConfig.GapWait
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		binder:   binder,
		dlq:      dlq,
		intake:   make(chan event.Event, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins dispatching at nextSeq, usually the store's last sequence
// plus one.
func (d *Dispatcher) Start(nextSeq int64) {
	d.startOnce.Do(func() {
		d.runWG.Add(1)
		go d.run(nextSeq)
	})
}

// Enqueue hands a persisted event to the dispatcher. It blocks only when
// the intake buffer is full and fails once the dispatcher is closed.
func (d *Dispatcher) Enqueue(evt event.Event) error {
	if d.stopped.Load() {
		return ErrDispatcherClosed
	}

	select {
	case d.intake <- evt:
		d.enqueued.Add(1)
		d.pending.Add(1)
		d.cfg.Metrics.RecordQueueDepth(d.ctx, d.pending.Load())
		return nil
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	}
}

// Stats returns a snapshot of dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:     d.enqueued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		DeadLettered: d.deadLettered.Load(),
		Pending:      d.pending.Load(),
	}
}

// Close drains the intake buffer, waits for in-flight deliveries, and shuts
// the dispatcher down. Events enqueued before Close are still delivered.
func (d *Dispatcher) Close() error {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.intake)
		d.runWG.Wait()
		d.workerWG.Wait()
		d.cancel()
	})
	return nil
}

// eventHeap is a min-heap on event sequence, the reorder buffer between
// concurrent publishers and the in-order dispatch stream.
type eventHeap []event.Event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(event.Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// run is the dispatch loop: reorder incoming events into sequence order and
// route each to its subscribers' workers.
func (d *Dispatcher) run(nextSeq int64) {
	defer d.runWG.Done()

	workers := make(map[string]*workerQueue)
	defer func() {
		for _, q := range workers {
			q.close()
		}
	}()

	buf := &eventHeap{}
	var gapSince time.Time

	for {
		// Release everything that is ready.
		for buf.Len() > 0 && (*buf)[0].Sequence <= nextSeq {
			evt := heap.Pop(buf).(event.Event)
			if evt.Sequence == nextSeq {
				nextSeq++
			}
			d.route(workers, evt)
			gapSince = time.Time{}
		}

		var gapC <-chan time.Time
		if buf.Len() > 0 {
			// A gap: the buffered head is ahead of nextSeq.
			if gapSince.IsZero() {
				gapSince = time.Now()
			}
			wait := d.cfg.GapWait - time.Since(gapSince)
			if wait <= 0 {
				d.skipGap(buf, &nextSeq, gapSince)
				gapSince = time.Time{}
				continue
			}
			gapC = time.After(wait)
		}

		select {
		case evt, ok := <-d.intake:
			if !ok {
				// Drain the buffer in order on shutdown.
				for buf.Len() > 0 {
					d.route(workers, heap.Pop(buf).(event.Event))
				}
				return
			}
			heap.Push(buf, evt)

		case <-gapC:
			d.skipGap(buf, &nextSeq, gapSince)
			gapSince = time.Time{}
		}
	}
}

func (d *Dispatcher) skipGap(buf *eventHeap, nextSeq *int64, since time.Time) {
	head := (*buf)[0].Sequence
	observability.LogSequenceGap(d.cfg.Logger, *nextSeq, head, time.Since(since))
	*nextSeq = head
}

// route fans an event out to the serial worker of every matching active
// subscription. The push never blocks: a wedged subscriber fills only its
// own queue and the run loop keeps serving everyone else.
func (d *Dispatcher) route(workers map[string]*workerQueue, evt event.Event) {
	defer func() {
		d.pending.Add(-1)
		d.cfg.Metrics.RecordQueueDepth(d.ctx, d.pending.Load())
	}()

	for _, sub := range d.registry.ActiveFor(evt.Type) {
		q, ok := workers[sub.ID]
		if !ok {
			q = newWorkerQueue(d.cfg.WorkerQueueSize)
			workers[sub.ID] = q
			d.workerWG.Add(1)
			go d.worker(sub.ID, q)
		}
		q.push(evt)
	}
}

// workerQueue holds one subscription's pending deliveries in arrival order.
// It grows without bound so the router can always push; wake coalesces
// router signals and carries the close notification.
type workerQueue struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
	wake   chan struct{}
}

func newWorkerQueue(capacity int) *workerQueue {
	return &workerQueue{
		events: make([]event.Event, 0, capacity),
		wake:   make(chan struct{}, 1),
	}
}

func (q *workerQueue) push(evt event.Event) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	q.mu.Unlock()
	q.signal()
}

func (q *workerQueue) pop() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return event.Event{}, false
	}
	evt := q.events[0]
	q.events = q.events[1:]
	return evt, true
}

func (q *workerQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *workerQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *workerQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker delivers events to one subscription, serially and in order. It
// drains the queue fully after close so events accepted before shutdown are
// still delivered.
func (d *Dispatcher) worker(subID string, q *workerQueue) {
	defer d.workerWG.Done()
	for {
		evt, ok := q.pop()
		if ok {
			d.deliver(evt, subID)
			continue
		}
		if q.isClosed() {
			return
		}
		<-q.wake
	}
}

// deliver runs the retry loop for one event and one subscription, moving
// the event to the dead-letter queue when all attempts fail.
func (d *Dispatcher) deliver(evt event.Event, subID string) {
	ctx := d.ctx

	// The subscription may have been deactivated since the event was
	// routed; deactivation applies to queued deliveries too.
	sub, err := d.registry.Get(ctx, subID)
	if err != nil || !sub.Active {
		return
	}

	tr, err := d.binder.Bind(sub.Transport)
	if err != nil {
		d.failed.Add(1)
		d.deadLetter(evt, sub, 0, err)
		return
	}

	ctx, span := d.cfg.Spans.StartDeliverySpan(ctx, evt.EventID, sub.ID, evt.CorrelationID)

	res := retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		return tr.Deliver(attemptCtx, evt)
	})

	d.cfg.Spans.EndSpanWithError(span, res.Err)
	d.cfg.Metrics.RecordDelivery(ctx, evt.Type, res.Attempts, res.Duration, res.Err)
	observability.LogDelivery(d.cfg.Logger, evt.EventID, sub.ID, res.Attempts,
		float64(res.Duration.Microseconds())/1000.0, res.Err)

	if res.Err != nil {
		d.failed.Add(1)
		if errors.Is(res.Err, context.Canceled) {
			// Shutdown, not a subscriber failure.
			return
		}
		d.deadLetter(evt, sub, res.Attempts, res.Err)
		return
	}

	d.delivered.Add(1)
}

func (d *Dispatcher) deadLetter(evt event.Event, sub subscription.Subscription, attempts int, cause error) {
	dErr := &event.DeliveryError{
		EventID:        evt.EventID,
		SubscriptionID: sub.ID,
		Attempt:        attempts,
		Err:            cause,
	}

	// The dispatcher context may already be cancelled during shutdown;
	// recording the dead letter still gets a bounded window.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.dlq.Add(ctx, DeadLetter{
		Event:          evt,
		SubscriptionID: sub.ID,
		ModuleID:       sub.ModuleID,
		Attempts:       attempts,
		LastError:      dErr.Error(),
		FailedAt:       time.Now().UTC(),
	}); err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Error("failed to record dead letter",
				slog.String("event_id", evt.EventID),
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	d.deadLettered.Add(1)
	d.cfg.Metrics.RecordDeadLetter(context.Background(), evt.Type)
	observability.LogDeadLetter(d.cfg.Logger, evt.EventID, sub.ID, attempts, cause)
}

// Redeliver synchronously retries a dead-lettered delivery once, for
// operator-triggered resubmission. The caller removes the dead letter from
// the queue on success.
func (d *Dispatcher) Redeliver(ctx context.Context, dl DeadLetter) error {
	sub, err := d.registry.Get(ctx, dl.SubscriptionID)
	if err != nil {
		return fmt.Errorf("resolve subscription: %w", err)
	}
	if !sub.Active {
		return fmt.Errorf("subscription %s is not active", sub.ID)
	}

	tr, err := d.binder.Bind(sub.Transport)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	if err := tr.Deliver(attemptCtx, dl.Event); err != nil {
		return &event.DeliveryError{
			EventID:        dl.Event.EventID,
			SubscriptionID: sub.ID,
			Attempt:        1,
			Err:            err,
		}
	}

	d.delivered.Add(1)
	return nil
}
