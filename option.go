package courier

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

// Client defaults.
const (
	DefaultShutdownTimeout = 30 * time.Second
	MinShutdownTimeout     = time.Second
	DefaultRequestTimeout  = 30 * time.Second // per remote call

	// Inbox page size bounds.
	DefaultPaginationLimit = 32
	MinPaginationLimit     = 1
	MaxPaginationLimit     = 100

	DefaultMaxConcurrentRequests = 16 // remote calls in flight per client
	DefaultMaxConcurrentTracking = 4  // tracking posts in flight per client
)

// options holds client configuration.
type options struct {
	backend   backend.MessagingService
	credStore store.CredentialStore
	platform  PushPlatform
	logger    *slog.Logger
	plugins   []Plugin

	paginationLimit       int
	maxConcurrentRequests int
	maxConcurrentTracking int
	requestTimeout        time.Duration
	shutdownTimeout       time.Duration

	tracingEnabled bool
	metricsEnabled bool
	tracerProvider trace.TracerProvider // nil: otel.GetTracerProvider()
	meterProvider  metric.MeterProvider // nil: otel.GetMeterProvider()

	serviceName           string                // names the lifecycle event bus
	eventTransport        transport.Transport   // takes precedence over redisClient
	redisClient           redis.UniversalClient // Redis Streams transport when set
	onEventPublishFailure EventPublishFailureFunc
}

// EventPublishFailureFunc receives lifecycle events that could not be
// published, by event name (e.g. "courier.auth.changed").
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure hands a failed publish to the configured handler. A
// panicking handler is logged and otherwise ignored.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("event failure handler panicked", "event", eventName, "error", err, "panic", r)
		}
	}()
	o.onEventPublishFailure(eventName, &EventPublishError{Event: eventName, Err: err})
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:                slog.Default(),
		paginationLimit:       DefaultPaginationLimit,
		maxConcurrentRequests: DefaultMaxConcurrentRequests,
		maxConcurrentTracking: DefaultMaxConcurrentTracking,
		requestTimeout:        DefaultRequestTimeout,
		shutdownTimeout:       DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.onEventPublishFailure == nil {
		logger := o.logger
		o.onEventPublishFailure = func(eventName string, err error) {
			logger.Error("event publish failed", "event", eventName, "error", err)
		}
	}
	return o
}

// Option configures a client. Options given invalid values leave the default
// in place.
type Option func(*options)

// WithBackend sets the remote messaging service. Required.
func WithBackend(b backend.MessagingService) Option {
	return func(o *options) {
		if b != nil {
			o.backend = b
		}
	}
}

// WithCredentialStore persists the session across restarts. Credentials are
// saved on sign-in, cleared on sign-out and restored on Connect.
func WithCredentialStore(s store.CredentialStore) Option {
	return func(o *options) {
		if s != nil {
			o.credStore = s
		}
	}
}

// WithPushPlatform sets the platform push collaborator. Its current device
// token is registered on Connect.
func WithPushPlatform(p PushPlatform) Option {
	return func(o *options) {
		if p != nil {
			o.platform = p
		}
	}
}

// WithLogger replaces slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPlugin appends a plugin. Plugins are initialized in the order given.
func WithPlugin(p Plugin) Option {
	return WithPlugins(p)
}

// WithPlugins appends plugins, skipping nils.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// WithPaginationLimit sets the initial inbox page size, clamped to
// [MinPaginationLimit, MaxPaginationLimit]. Default is 32.
func WithPaginationLimit(n int) Option {
	return func(o *options) {
		o.paginationLimit = clampPaginationLimit(n)
	}
}

// WithMaxConcurrentRequests bounds the remote calls a client runs at once.
// Default is 16.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentRequests = n
		}
	}
}

// WithMaxConcurrentTracking bounds the tracking posts a client runs at once.
// Default is 4.
func WithMaxConcurrentTracking(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentTracking = n
		}
	}
}

// WithRequestTimeout bounds each remote call. Default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Close waits for remote calls still in
// flight. Values under MinShutdownTimeout are ignored.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// WithTracing turns span creation for remote calls on or off. Off by default.
func WithTracing(enabled bool) Option {
	return func(o *options) { o.tracingEnabled = enabled }
}

// WithMetrics turns call metrics on or off. Off by default.
func WithMetrics(enabled bool) Option {
	return func(o *options) { o.metricsEnabled = enabled }
}

// WithOTel is WithTracing and WithMetrics together.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled, o.metricsEnabled = enabled, enabled
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithServiceName names the lifecycle event bus. Default is "courier".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithEventTransport sets the lifecycle event transport. Without it, or
// WithRedisClient, events go to a noop transport.
//
//	t, _ := redis.New(redisClient)
//	client, _ := courier.NewClient(courier.WithEventTransport(t))
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes lifecycle events to Redis Streams through any
// redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler receives events that failed to publish.
// Failures are logged when unset.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// clampPaginationLimit never fails: out-of-range values snap to the bounds.
func clampPaginationLimit(n int) int {
	return min(max(n, MinPaginationLimit), MaxPaginationLimit)
}
