// Package memory provides an in-memory CredentialStore for testing.
// Credentials live only as long as the process.
package memory

import (
	"context"
	"sync"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

// Store implements store.CredentialStore in memory.
// Thread-safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	creds *backend.Credentials
	saves int
}

var _ store.CredentialStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Load returns the saved credentials.
func (s *Store) Load(_ context.Context) (backend.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return backend.Credentials{}, store.ErrNotFound
	}
	return *s.creds, nil
}

// Save replaces the saved credentials.
func (s *Store) Save(_ context.Context, creds backend.Credentials) error {
	if !creds.Valid() {
		return store.ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
	s.saves++
	return nil
}

// Clear removes the saved credentials.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

// Saves returns how many times Save succeeded.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
