// Package eventbus provides a typed in-process publish/subscribe hub.
//
// A Bus delivers every emitted value to all subscribers present when Emit
// starts, synchronously and in subscription order, on the emitting
// goroutine. Subscribers that need to hand work elsewhere (for example to a
// serial.Queue) do so themselves.
package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rbaliyan/courier/listener"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("eventbus: closed")

// Handler receives emitted values.
type Handler[T any] func(T)

// Bus is a typed publish/subscribe hub. Safe for concurrent use.
type Bus[T any] struct {
	name   string
	subs   *listener.Registry[Handler[T]]
	logger *slog.Logger
	closed chan struct{}
	once   sync.Once
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a bus. The name is used in log output only.
func New[T any](name string, opts ...Option) *Bus[T] {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return &Bus[T]{
		name:   name,
		subs:   listener.New[Handler[T]](),
		logger: o.logger,
		closed: make(chan struct{}),
	}
}

// Subscribe registers h. Remove the returned handle to unsubscribe.
func (b *Bus[T]) Subscribe(h Handler[T]) *listener.Handle {
	return b.subs.Add(h)
}

// Subscribers returns the number of active subscriptions.
func (b *Bus[T]) Subscribers() int {
	return b.subs.Len()
}

// Emit delivers v to every current subscriber. A panicking subscriber is
// logged and does not stop delivery to the others.
func (b *Bus[T]) Emit(v T) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	b.subs.Broadcast(func(h Handler[T]) {
		b.deliver(h, v)
	})
	return nil
}

func (b *Bus[T]) deliver(h Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event subscriber",
				"bus", b.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	h(v)
}

// Close drops all subscriptions. Emit fails with ErrClosed afterwards.
// Close is idempotent.
func (b *Bus[T]) Close() {
	b.once.Do(func() {
		close(b.closed)
		b.subs.Close()
	})
}
