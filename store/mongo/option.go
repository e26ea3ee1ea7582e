package mongo

import (
	"log/slog"
	"time"
)

// Store defaults.
const (
	DefaultDatabase   = "courier"
	DefaultCollection = "sessions"
	DefaultKey        = "default"
	DefaultTimeout    = 10 * time.Second
)

type options struct {
	database   string
	collection string
	key        string
	timeout    time.Duration
	logger     *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:   DefaultDatabase,
		collection: DefaultCollection,
		key:        DefaultKey,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Store. Empty or non-positive values are ignored.
type Option func(*options)

// WithDatabase names the database holding the session collection.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection names the session collection.
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithKey sets the document id the session is saved under. Installations
// sharing a collection need distinct keys.
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
