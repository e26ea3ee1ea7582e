// Package mongo provides a MongoDB implementation of store.CredentialStore.
//
// The session is one document in a collection, keyed by WithKey:
//
//	{_id: "default", user_id: "...", access_token: "...", client_key: "...", saved_at: ISODate(...)}
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

var _ store.CredentialStore = (*Store)(nil)

// Store is a store.CredentialStore backed by one MongoDB document.
type Store struct {
	client  *mongo.Client
	opts    *options
	logger  *slog.Logger
	now     func() time.Time
	connMu  sync.Mutex
	session atomic.Pointer[mongo.Collection] // nil until Connect succeeds
}

// sessionDoc is the stored form of the credentials.
type sessionDoc struct {
	Key         string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	AccessToken string    `bson:"access_token"`
	ClientKey   string    `bson:"client_key,omitempty"`
	SavedAt     time.Time `bson:"saved_at"`
}

// New wraps client. The store is unusable until Connect succeeds; the caller
// keeps ownership of client and disconnects it.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{client: client, opts: o, logger: o.logger, now: time.Now}
}

// Connect pings the server and binds the collection.
func (s *Store) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.session.Load() != nil {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		return errors.New("mongo: nil client")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}

	s.session.Store(s.client.Database(s.opts.database).Collection(s.opts.collection))
	s.logger.Info("session store ready", "database", s.opts.database, "collection", s.opts.collection, "key", s.opts.key)
	return nil
}

// Close unbinds the collection. Later calls return store.ErrNotConnected.
func (s *Store) Close(context.Context) error {
	s.session.Store(nil)
	return nil
}

// scope returns the bound collection and a context limited by the operation
// timeout.
func (s *Store) scope(ctx context.Context) (*mongo.Collection, context.Context, context.CancelFunc, error) {
	coll := s.session.Load()
	if coll == nil {
		return nil, ctx, func() {}, store.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return coll, ctx, cancel, nil
}

func (s *Store) byKey() bson.M { return bson.M{"_id": s.opts.key} }

// Load returns the saved credentials, store.ErrNotFound when there are none.
func (s *Store) Load(ctx context.Context) (backend.Credentials, error) {
	coll, ctx, cancel, err := s.scope(ctx)
	defer cancel()
	if err != nil {
		return backend.Credentials{}, err
	}

	var doc sessionDoc
	switch err := coll.FindOne(ctx, s.byKey()).Decode(&doc); {
	case errors.Is(err, mongo.ErrNoDocuments):
		return backend.Credentials{}, store.ErrNotFound
	case err != nil:
		return backend.Credentials{}, fmt.Errorf("mongo: load session: %w", err)
	}

	creds := backend.Credentials{UserID: doc.UserID, AccessToken: doc.AccessToken, ClientKey: doc.ClientKey}
	if !creds.Valid() {
		s.logger.Warn("discarding incomplete saved session", "key", s.opts.key)
		return backend.Credentials{}, fmt.Errorf("mongo: %w: missing user id or access token", store.ErrCorrupt)
	}
	return creds, nil
}

// Save upserts the session document.
func (s *Store) Save(ctx context.Context, creds backend.Credentials) error {
	if !creds.Valid() {
		return store.ErrInvalidCredentials
	}
	coll, ctx, cancel, err := s.scope(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	doc := sessionDoc{
		Key:         s.opts.key,
		UserID:      creds.UserID,
		AccessToken: creds.AccessToken,
		ClientKey:   creds.ClientKey,
		SavedAt:     s.now().UTC(),
	}
	if _, err := coll.ReplaceOne(ctx, s.byKey(), doc, mongoopts.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo: save session: %w", err)
	}
	s.logger.Debug("session saved", "key", s.opts.key, "user_id", creds.UserID)
	return nil
}

// Clear deletes the session document. Clearing an absent session is not an
// error.
func (s *Store) Clear(ctx context.Context) error {
	coll, ctx, cancel, err := s.scope(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, s.byKey()); err != nil {
		return fmt.Errorf("mongo: clear session: %w", err)
	}
	return nil
}
