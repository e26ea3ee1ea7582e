// Package serial provides a single logical thread of control.
//
// A Queue runs submitted tasks one at a time, in submission order, on one
// worker goroutine. Tasks may be submitted from any goroutine. Submission
// never blocks: the backlog is unbounded, so a task may submit follow-up
// work without deadlocking.
//
// Tasks receive a context that identifies the queue. Code that may run both
// from outside and from inside a task checks Running(ctx, q) to decide
// whether waiting for a result is allowed: a task that waits for work queued
// behind it would wait forever.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sentinel errors for the serial package.
var (
	// ErrClosed is returned when submitting to a closed queue.
	ErrClosed = errors.New("serial: queue closed")
)

// Task is a unit of work run on the queue.
type Task func(ctx context.Context)

type queueKey struct{}

// Queue executes tasks sequentially. Create with New; stop with Close.
type Queue struct {
	name   string
	logger *slog.Logger
	ctx    context.Context

	mu      sync.Mutex
	pending []Task
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	name   string
	logger *slog.Logger
}

// WithName sets the queue name used in log output.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger used to report recovered task panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a queue and starts its worker.
func New(opts ...Option) *Queue {
	o := &options{name: "serial", logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	q := &Queue{
		name:   o.name,
		logger: o.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.ctx = context.WithValue(context.Background(), queueKey{}, q)
	go q.run()
	return q
}

// Running reports whether ctx belongs to a task currently executing on q.
func Running(ctx context.Context, q *Queue) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(queueKey{}).(*Queue)
	return owner != nil && owner == q
}

// Submit appends fn to the queue and returns immediately.
func (q *Queue) Submit(fn Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the queue and waits for it to finish.
//
// When called from a task of the same queue (Running(ctx, q) is true), fn is
// appended behind the current task and Do returns without waiting.
// If ctx ends before fn finishes, Do returns ctx.Err(); fn still runs.
func (q *Queue) Do(ctx context.Context, fn Task) error {
	if Running(ctx, q) {
		return q.Submit(fn)
	}

	finished := make(chan struct{})
	if err := q.Submit(func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.wake
			continue
		}

		for _, fn := range batch {
			q.exec(fn)
		}
	}
}

func (q *Queue) exec(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in serial task",
				"queue", q.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(q.ctx)
}

// Close stops accepting tasks, runs everything already queued, and waits
// for the worker to exit or ctx to end. Close is idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("serial: close %s: %w", q.name, ctx.Err())
	}
}
