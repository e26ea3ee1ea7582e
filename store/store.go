// Package store persists the signed-in session so it survives a restart.
// Implementations are in store/memory, store/redis, store/mongo and
// store/postgres. The database-backed stores need Connect before use.
//
// A store holds at most one set of credentials: the client is single-user,
// and signing in again replaces whatever was saved before.
package store

import (
	"context"

	"github.com/rbaliyan/courier/backend"
)

// CredentialStore saves, restores and forgets the session credentials.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	// Load returns the saved credentials, or ErrNotFound when none are saved.
	Load(ctx context.Context) (backend.Credentials, error)
	// Save replaces the saved credentials.
	Save(ctx context.Context, creds backend.Credentials) error
	// Clear removes the saved credentials. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
