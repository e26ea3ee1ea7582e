// Package retry repeats remote calls that fail transiently, with exponential
// backoff and jitter between attempts.
//
// Errors classify themselves by implementing Retryable() bool; the backend
// error types do. Context cancellation is never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Defaults applied to zero Config fields.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
)

// Config configures retry behavior. The zero value makes one attempt.
type Config struct {
	// MaxRetries is the number of attempts after the first. Zero runs once.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// Jitter spreads each delay by up to +/- Jitter of its length, in [0, 1].
	Jitter float64

	// IsRetryable classifies errors. Defaults to DefaultIsRetryable.
	IsRetryable func(error) bool

	// OnRetry, if set, is called before sleeping ahead of each retry.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns the Config used for remote calls when retries are on.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
		Jitter:         0.1,
	}
}

// Sentinel errors carried by RetryError.
var (
	// ErrNotRetryable means the last error was classified permanent.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries means every attempt failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled means the context ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// RetryError reports why retrying stopped. It matches both its reason and
// the last error with errors.Is.
type RetryError struct {
	Cause    error // last error returned by the call
	Attempts int
	Err      error // ErrMaxRetries, ErrNotRetryable or ErrContextCanceled
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// RetryableFunc is the function type that can be retried.
type RetryableFunc func(ctx context.Context) error

// Do calls fn until it succeeds, fails permanently, runs out of retries or
// ctx ends.
func Do(ctx context.Context, cfg Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for calls that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		switch {
		case err == nil:
			return v, nil
		case !cfg.IsRetryable(err):
			return zero, &RetryError{Cause: err, Attempts: attempt, Err: ErrNotRetryable}
		case attempt > cfg.MaxRetries:
			return zero, &RetryError{Cause: err, Attempts: attempt, Err: ErrMaxRetries}
		}

		wait := calculateBackoff(cfg, attempt-1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if !sleep(ctx, wait) {
			return zero, &RetryError{Cause: err, Attempts: attempt, Err: ErrContextCanceled}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// calculateBackoff returns the delay after the given zero-based retry:
// InitialBackoff * Multiplier^retry, capped at MaxBackoff, then jittered.
func calculateBackoff(cfg Config, retry int) time.Duration {
	d := float64(cfg.InitialBackoff)
	for range retry {
		d *= cfg.Multiplier
		if d >= float64(cfg.MaxBackoff) {
			break
		}
	}
	d = min(d, float64(cfg.MaxBackoff))

	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func applyDefaults(cfg Config) Config {
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable asks the error through Retryable() bool. Context
// errors are permanent; unclassified errors are retried.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var c interface{ Retryable() bool }
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return true
}

// MarkNotRetryable wraps err so DefaultIsRetryable rejects it.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: false}
}

// MarkRetryable wraps err so DefaultIsRetryable accepts it, overriding any
// classification of the wrapped error.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: true}
}

type marked struct {
	cause     error
	retryable bool
}

func (e *marked) Error() string   { return e.cause.Error() }
func (e *marked) Unwrap() error   { return e.cause }
func (e *marked) Retryable() bool { return e.retryable }
