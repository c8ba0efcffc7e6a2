package eventbus

import (
	"log/slog"
	"net/http"

	"github.com/modkit/eventbus/pkg/eventbus/dispatch"
	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/observability"
	"github.com/modkit/eventbus/pkg/eventbus/store"
	"github.com/modkit/eventbus/pkg/eventbus/subscription"
)

// Option configures a Bus.
type Option func(*busOptions)

type busOptions struct {
	store      store.Store
	registry   subscription.Registry
	dlq        dispatch.DeadLetterQueue
	validator  event.Validator
	resolver   ModuleResolver
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	dispatch   dispatch.Config
	httpClient *http.Client
}

// WithStore sets the event store. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(o *busOptions) { o.store = s }
}

// WithRegistry sets the subscription registry. Defaults to in-memory.
func WithRegistry(r subscription.Registry) Option {
	return func(o *busOptions) { o.registry = r }
}

// WithDeadLetterQueue sets the dead-letter queue. Defaults to in-memory.
func WithDeadLetterQueue(q dispatch.DeadLetterQueue) Option {
	return func(o *busOptions) { o.dlq = q }
}

// WithValidator sets the event validator. Defaults to event.DefaultValidator.
func WithValidator(v event.Validator) Option {
	return func(o *busOptions) { o.validator = v }
}

// WithModuleResolver sets the source module resolver. Defaults to
// AllowAllModules.
func WithModuleResolver(r ModuleResolver) Option {
	return func(o *busOptions) { o.resolver = r }
}

// WithLogger sets the bus logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) { o.logger = logger }
}

// WithMetrics sets the metrics recorder. Defaults to no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *busOptions) { o.metrics = m }
}

// WithSpans sets the span manager. Defaults to no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(o *busOptions) { o.spans = s }
}

// WithDispatchConfig sets dispatcher tuning: queue sizes, retry policy,
// delivery timeout.
func WithDispatchConfig(cfg dispatch.Config) Option {
	return func(o *busOptions) { o.dispatch = cfg }
}

// WithHTTPClient sets the client used for HTTP callback deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(o *busOptions) { o.httpClient = c }
}
