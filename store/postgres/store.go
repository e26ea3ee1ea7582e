// Package postgres provides a PostgreSQL implementation of
// store.CredentialStore. The session is one row keyed by WithKey.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

var _ store.CredentialStore = (*Store)(nil)

// Store is a store.CredentialStore backed by one PostgreSQL row.
type Store struct {
	db      *sqlx.DB
	opts    *options
	table   string // quoted identifier
	q       queries
	logger  *slog.Logger
	now     func() time.Time
	connMu  sync.Mutex
	isReady atomic.Bool
}

// queries are rendered once per table name.
type queries struct {
	create, load, save, clear string
}

func renderQueries(table string) queries {
	return queries{
		create: `CREATE TABLE IF NOT EXISTS ` + table + ` (
	key          VARCHAR(255) PRIMARY KEY,
	user_id      VARCHAR(256) NOT NULL,
	access_token TEXT NOT NULL,
	client_key   TEXT NOT NULL DEFAULT '',
	saved_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		load: `SELECT user_id, access_token, client_key, saved_at FROM ` + table + ` WHERE key = $1`,
		save: `INSERT INTO ` + table + ` (key, user_id, access_token, client_key, saved_at)
VALUES (:key, :user_id, :access_token, :client_key, :saved_at)
ON CONFLICT (key) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	access_token = EXCLUDED.access_token,
	client_key = EXCLUDED.client_key,
	saved_at = EXCLUDED.saved_at`,
		clear: `DELETE FROM ` + table + ` WHERE key = $1`,
	}
}

type sessionRow struct {
	Key         string    `db:"key"`
	UserID      string    `db:"user_id"`
	AccessToken string    `db:"access_token"`
	ClientKey   string    `db:"client_key"`
	SavedAt     time.Time `db:"saved_at"`
}

// New wraps db. The store is unusable until Connect succeeds; the caller
// keeps ownership of db and closes it.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	table := pq.QuoteIdentifier(o.table)
	return &Store{
		db:     db,
		opts:   o,
		table:  table,
		q:      renderQueries(table),
		logger: o.logger,
		now:    time.Now,
	}
}

// NewFromDB is New for a plain *sql.DB opened with the "postgres" driver.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Open dials dsn with lib/pq. Connect must still be called.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return New(db, opts...), nil
}

// Connect pings the server and creates the table if it is missing.
func (s *Store) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.isReady.Load() {
		return store.ErrAlreadyConnected
	}
	if s.db == nil {
		return errors.New("postgres: nil db")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q.create); err != nil {
		return fmt.Errorf("postgres: create %s: %w", s.table, err)
	}

	s.isReady.Store(true)
	s.logger.Info("session store ready", "table", s.opts.table, "key", s.opts.key)
	return nil
}

// Close marks the store disconnected. Later calls return
// store.ErrNotConnected.
func (s *Store) Close(context.Context) error {
	s.isReady.Store(false)
	return nil
}

// scope limits ctx by the operation timeout once the store is connected.
func (s *Store) scope(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if !s.isReady.Load() {
		return ctx, func() {}, store.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return ctx, cancel, nil
}

// Load returns the saved credentials, store.ErrNotFound when there are none.
func (s *Store) Load(ctx context.Context) (backend.Credentials, error) {
	ctx, cancel, err := s.scope(ctx)
	defer cancel()
	if err != nil {
		return backend.Credentials{}, err
	}

	var row sessionRow
	switch err := s.db.GetContext(ctx, &row, s.q.load, s.opts.key); {
	case errors.Is(err, sql.ErrNoRows):
		return backend.Credentials{}, store.ErrNotFound
	case err != nil:
		return backend.Credentials{}, fmt.Errorf("postgres: load session: %w", err)
	}

	creds := backend.Credentials{UserID: row.UserID, AccessToken: row.AccessToken, ClientKey: row.ClientKey}
	if !creds.Valid() {
		s.logger.Warn("discarding incomplete saved session", "key", s.opts.key)
		return backend.Credentials{}, fmt.Errorf("postgres: %w: missing user id or access token", store.ErrCorrupt)
	}
	return creds, nil
}

// Save upserts the session row.
func (s *Store) Save(ctx context.Context, creds backend.Credentials) error {
	if !creds.Valid() {
		return store.ErrInvalidCredentials
	}
	ctx, cancel, err := s.scope(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	row := sessionRow{
		Key:         s.opts.key,
		UserID:      creds.UserID,
		AccessToken: creds.AccessToken,
		ClientKey:   creds.ClientKey,
		SavedAt:     s.now().UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx, s.q.save, row); err != nil {
		return fmt.Errorf("postgres: save session: %w", err)
	}
	s.logger.Debug("session saved", "key", s.opts.key, "user_id", creds.UserID)
	return nil
}

// Clear deletes the session row. Clearing an absent session is not an error.
func (s *Store) Clear(ctx context.Context) error {
	ctx, cancel, err := s.scope(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q.clear, s.opts.key); err != nil {
		return fmt.Errorf("postgres: clear session: %w", err)
	}
	return nil
}
