package postgres

import (
	"log/slog"
	"time"
)

// Store defaults.
const (
	DefaultTable   = "courier_sessions"
	DefaultKey     = "default"
	DefaultTimeout = 10 * time.Second
)

type options struct {
	table   string
	key     string
	timeout time.Duration
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:   DefaultTable,
		key:     DefaultKey,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Store. Empty or non-positive values are ignored.
type Option func(*options)

// WithTable names the session table. The name is quoted, so it may not
// carry a schema prefix.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithKey sets the row key the session is saved under.
func WithKey(key string) Option {
	return func(o *options) {
		if key != "" {
			o.key = key
		}
	}
}

// WithTimeout bounds each database round trip, Connect included.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
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
