package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/eventbus"
	"github.com/rbaliyan/courier/listener"
	"github.com/rbaliyan/courier/serial"
	"github.com/rbaliyan/courier/store"
)

// Client states for atomic state management.
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
)

// ListenerHandle is returned by every Add*Listener method. Remove is
// idempotent and safe after Close.
type ListenerHandle = listener.Handle

// PushPlatform is the platform push collaborator (FCM, APNs, ...).
type PushPlatform interface {
	// Provider returns the provider id the token belongs to, e.g. ProviderFCM.
	Provider() string
	// CurrentToken returns the device token, or "" when none is issued yet.
	CurrentToken(ctx context.Context) (string, error)
}

// Client is a courier SDK instance: one signed-in identity, its device
// tokens and its inbox feed. All mutations run on a single serial queue, so
// listeners observe state changes one at a time and in order.
//
// A Client must be connected before use:
//
//	client, err := courier.NewClient(courier.WithBackend(rest.New()))
//	if err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(ctx)
type Client struct {
	opts    *options
	logger  *slog.Logger
	otel    *otelInstrumentation
	plugins *pluginRegistry

	state int32
	limit atomic.Int32
	live  atomic.Pointer[engine]

	// Last committed snapshots. Written on the queue, read anywhere.
	session atomic.Pointer[Session]
	inbox   atomic.Pointer[InboxSnapshot]
}

// NewClient creates a client. Call Connect before use.
func NewClient(opts ...Option) (*Client, error) {
	o := newOptions(opts...)
	if o.backend == nil {
		return nil, ErrBackendRequired
	}

	otelInst, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	c := &Client{
		opts:    o,
		logger:  o.logger,
		otel:    otelInst,
		plugins: newPluginRegistry(o.logger),
	}
	for _, p := range o.plugins {
		c.plugins.register(p)
	}
	c.limit.Store(int32(o.paginationLimit))
	c.session.Store(&Session{})
	c.inbox.Store(&InboxSnapshot{State: InboxIdle})
	return c, nil
}

// IsConnected returns true if the client is connected and ready.
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.state) == stateConnected
}

// Events returns the per-client lifecycle events, or nil before Connect.
func (c *Client) Events() *ClientEvents {
	if e := c.live.Load(); e != nil {
		return e.events
	}
	return nil
}

// engine returns the live engine or ErrNotConnected.
func (c *Client) engine() (*engine, error) {
	if atomic.LoadInt32(&c.state) != stateConnected {
		return nil, ErrNotConnected
	}
	e := c.live.Load()
	if e == nil {
		return nil, ErrNotConnected
	}
	return e, nil
}

// Connect starts the serial queue and the lifecycle event bus, initializes
// plugins, restores a persisted session and registers the platform's
// device token.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&c.state, stateConnected)
		} else {
			atomic.StoreInt32(&c.state, stateDisconnected)
		}
	}()

	e := newEngine(c)

	if err := e.initEventBus(ctx); err != nil {
		e.cancel()
		e.shutdownQueues(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := c.plugins.initAll(ctx); err != nil {
		e.cancel()
		e.shutdownQueues(ctx)
		e.closeEventBus(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	c.live.Store(e)
	c.inbox.Store(&InboxSnapshot{State: InboxIdle})
	e.restore(ctx)

	success = true
	c.logger.Info("courier client connected")
	return nil
}

// Close stops the client. It waits, bounded by the shutdown timeout, for
// in-flight remote calls, drains the serial queue and tears down every
// listener registry. Outstanding handles stay safe to Remove.
// Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, stateConnected, stateDisconnected) {
		return nil
	}
	e := c.live.Load()

	var errs []error

	c.logger.Info("waiting for in-flight operations to complete...", "timeout", c.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, c.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := e.waitInflight(shutdownCtx); err != nil {
		c.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		c.logger.Info("all in-flight operations completed")
	}

	e.cancel()
	// Runs after every queued task. Completions that arrive later are
	// rejected by the closed queue.
	_ = e.queue.Submit(func(context.Context) {
		e.abortFetch(ErrNotConnected)
	})
	// The in-flight wait may have used up shutdownCtx; queued tasks get
	// their own budget.
	drainCtx, drainCancel := context.WithTimeout(ctx, c.opts.shutdownTimeout)
	defer drainCancel()
	if err := e.shutdownQueues(drainCtx); err != nil {
		errs = append(errs, err)
	}

	e.pushBus.Close()
	e.authListeners.Close()
	e.inboxListeners.Close()
	e.pushListeners.Close()
	e.clickListeners.Close()

	if err := c.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if err := e.closeEventBus(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}

	c.logger.Info("courier client closed")
	return errors.Join(errs...)
}

// engine is the state of one Connect..Close cycle. Fields marked
// queue-owned are only touched from tasks on queue.
type engine struct {
	client  *Client
	opts    *options
	logger  *slog.Logger
	otel    *otelInstrumentation
	backend backend.MessagingService

	ctx    context.Context
	cancel context.CancelFunc

	queue    *serial.Queue
	outbox   *serial.Queue // persistence and event publishing, in order
	inflight *semaphore.Weighted
	tracker  *tracker

	bus     *event.Bus
	events  *ClientEvents
	pushBus *eventbus.Bus[Push]

	authListeners  *listener.Registry[*subscriber[AuthListener]]
	inboxListeners *listener.Registry[*subscriber[InboxListener]]
	pushListeners  *listener.Registry[*subscriber[PushListener]]
	clickListeners *listener.Registry[*subscriber[PushListener]]

	sess  session    // queue-owned
	inbox inboxState // queue-owned
}

func newEngine(c *Client) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		client:  c,
		opts:    c.opts,
		logger:  c.logger,
		otel:    c.otel,
		backend: c.opts.backend,
		ctx:     ctx,
		cancel:  cancel,
		queue: serial.New(
			serial.WithName("courier"),
			serial.WithLogger(c.logger),
		),
		outbox: serial.New(
			serial.WithName("courier-outbox"),
			serial.WithLogger(c.logger),
		),
		inflight:       semaphore.NewWeighted(int64(c.opts.maxConcurrentRequests)),
		pushBus:        eventbus.New[Push]("push", eventbus.WithLogger(c.logger)),
		authListeners:  listener.New[*subscriber[AuthListener]](),
		inboxListeners: listener.New[*subscriber[InboxListener]](),
		pushListeners:  listener.New[*subscriber[PushListener]](),
		clickListeners: listener.New[*subscriber[PushListener]](),
		sess:           newSession(c.session.Load()),
		inbox:          newInboxState(),
	}
	e.tracker = newTracker(ctx, e.backend, c.opts, c.otel)

	e.pushBus.Subscribe(e.onPushForInbox)
	e.pushBus.Subscribe(e.onPushForTracking)
	e.pushBus.Subscribe(e.onPushForListeners)
	return e
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this client's lifecycle event bus and registers the
// client events on it.
func (e *engine) initEventBus(ctx context.Context) error {
	serviceName := e.opts.serviceName
	if serviceName == "" {
		serviceName = "courier"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case e.opts.eventTransport != nil:
		e.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(e.opts.eventTransport))
	case e.opts.redisClient != nil:
		e.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(e.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		e.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	e.bus = bus

	e.events = newClientEvents(busName)
	if err := registerClientEvents(ctx, bus, e.events); err != nil {
		bus.Close(ctx)
		e.bus = nil
		return fmt.Errorf("register client events: %w", err)
	}
	return nil
}

// closeEventBus closes the bus only for a real transport. The noop bus
// holds no resources.
func (e *engine) closeEventBus(ctx context.Context) error {
	if e.bus == nil || (e.opts.eventTransport == nil && e.opts.redisClient == nil) {
		return nil
	}
	return e.bus.Close(ctx)
}

// shutdownQueues drains the serial queue, then the outbox it feeds.
func (e *engine) shutdownQueues(ctx context.Context) error {
	var errs []error
	if err := e.queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.outbox.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// waitInflight acquires every remote call slot, which means no call is
// running. Slots are released again; spawned work re-checks e.ctx.
func (e *engine) waitInflight(ctx context.Context) error {
	n := int64(e.opts.maxConcurrentRequests)
	if err := e.inflight.Acquire(ctx, n); err != nil {
		return err
	}
	e.inflight.Release(n)
	return e.tracker.wait(ctx)
}

// restore signs in with persisted credentials and registers the
// platform's current device token.
func (e *engine) restore(ctx context.Context) {
	if p := e.opts.platform; p != nil {
		e.restoreToken(ctx, p)
	}

	cs := e.opts.credStore
	if cs == nil {
		return
	}
	creds, err := cs.Load(ctx)
	if err == nil {
		err = validateCredentials(creds.AccessToken, creds.ClientKey, creds.UserID)
	}
	switch {
	case err == nil:
		if err := e.run(ctx, func(qctx context.Context) {
			e.signIn(qctx, creds, false)
		}); err != nil {
			e.logger.Warn("failed to restore session", "error", err)
			return
		}
		e.logger.Info("session restored", "user_id", creds.UserID)
	case errors.Is(err, store.ErrNotFound):
	default:
		e.logger.Warn("failed to load saved session", "error", err)
	}
}

func (e *engine) restoreToken(ctx context.Context, p PushPlatform) {
	provider := p.Provider()
	if err := validateProvider(provider); err != nil {
		e.logger.Warn("ignoring push platform", "provider", provider, "error", err)
		return
	}
	token, err := p.CurrentToken(ctx)
	if err != nil {
		e.logger.Warn("failed to read device token", "provider", provider, "error", err)
		return
	}
	if token == "" {
		return
	}
	if err := e.run(ctx, func(qctx context.Context) {
		e.setToken(qctx, provider, token)
	}); err != nil {
		e.logger.Warn("failed to register device token", "provider", provider, "error", err)
	}
}

// run executes fn on the serial queue. From inside a queue task, fn is
// queued and run returns immediately.
func (e *engine) run(ctx context.Context, fn serial.Task) error {
	err := e.queue.Do(ctx, fn)
	if errors.Is(err, serial.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

// spawn runs a remote call off the queue, bounded by the in-flight limit
// and the request timeout. Work started after Close began is skipped.
func (e *engine) spawn(fn func(ctx context.Context)) {
	go func() {
		if err := e.inflight.Acquire(e.ctx, 1); err != nil {
			return
		}
		defer e.inflight.Release(1)
		if e.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.requestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// call runs a remote call on the caller's goroutine under the same limits
// as spawn.
func (e *engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.inflight.Release(1)
	if e.ctx.Err() != nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.requestTimeout)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()
	return fn(ctx)
}

// subscriber wraps a listener callback. A subscriber is called only after
// its attach task ran on the queue and until its handle is removed.
type subscriber[F any] struct {
	fn     F
	handle *listener.Handle
	ready  atomic.Bool
}

func (s *subscriber[F]) live() bool {
	return s.ready.Load() && !s.handle.Removed()
}

// addSubscriber registers fn and schedules attach on the queue. The handle
// is removed again if the attach task cannot be queued.
func addSubscriber[F any](ctx context.Context, e *engine, reg *listener.Registry[*subscriber[F]], fn F, attach func(qctx context.Context, sub *subscriber[F])) (*listener.Handle, error) {
	sub := &subscriber[F]{fn: fn}
	sub.handle = reg.Add(sub)
	err := e.run(ctx, func(qctx context.Context) {
		if sub.handle.Removed() {
			return
		}
		sub.ready.Store(true)
		if attach != nil {
			attach(qctx, sub)
		}
	})
	if err != nil {
		sub.handle.Remove()
		return nil, err
	}
	return sub.handle, nil
}

// broadcast calls fn for every live subscriber in reg.
func broadcast[F any](e *engine, kind string, reg *listener.Registry[*subscriber[F]], fn func(sub *subscriber[F])) {
	reg.Broadcast(func(sub *subscriber[F]) {
		if !sub.live() {
			return
		}
		e.safeCall(kind, sub.handle, func() { fn(sub) })
	})
}

// safeCall runs a listener callback, recovering and logging a panic.
func (e *engine) safeCall(kind string, h *listener.Handle, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in listener",
				"listener", kind,
				"handle", h.ID(),
				"panic", r,
			)
		}
	}()
	fn()
}
