// Package redis provides a CredentialStore backed by a Redis hash.
//
// The credentials are written to one hash key (default "courier:session"),
// so several processes sharing a Redis instance and key share one session.
// Use WithKey to give each installation its own entry.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

// DefaultKey is the hash key used when WithKey is not given.
const DefaultKey = "courier:session"

const (
	fieldUserID      = "user_id"
	fieldAccessToken = "access_token"
	fieldClientKey   = "client_key"
	fieldSavedAt     = "saved_at"
)

// Store implements store.CredentialStore on Redis.
type Store struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

var _ store.CredentialStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKey sets the hash key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithTTL expires the saved session after ttl. Zero keeps it until cleared.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a store on client. Compatible with *redis.Client,
// *redis.ClusterClient and redis.UniversalClient.
func New(client goredis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis store: client is required")
	}
	s := &Store{
		client: client,
		key:    DefaultKey,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load returns the saved credentials.
func (s *Store) Load(ctx context.Context) (backend.Credentials, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return backend.Credentials{}, fmt.Errorf("redis store: load: %w", err)
	}
	if len(fields) == 0 {
		return backend.Credentials{}, store.ErrNotFound
	}

	creds := backend.Credentials{
		UserID:      fields[fieldUserID],
		AccessToken: fields[fieldAccessToken],
		ClientKey:   fields[fieldClientKey],
	}
	if !creds.Valid() {
		s.logger.Warn("discarding incomplete saved session", "key", s.key)
		return backend.Credentials{}, fmt.Errorf("redis store: %w: missing user id or access token", store.ErrCorrupt)
	}
	return creds, nil
}

// Save replaces the saved credentials.
func (s *Store) Save(ctx context.Context, creds backend.Credentials) error {
	if !creds.Valid() {
		return store.ErrInvalidCredentials
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key,
			fieldUserID, creds.UserID,
			fieldAccessToken, creds.AccessToken,
			fieldClientKey, creds.ClientKey,
			fieldSavedAt, s.now().UTC().Format(time.RFC3339),
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: save: %w", err)
	}
	s.logger.Debug("session saved", "key", s.key, "user_id", creds.UserID)
	return nil
}

// Clear removes the saved credentials.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis store: clear: %w", err)
	}
	return nil
}
