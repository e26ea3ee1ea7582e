package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned by Load when no credentials are saved.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidCredentials is returned by Save for credentials without a
	// user id or access token.
	ErrInvalidCredentials = errors.New("store: invalid credentials")

	// ErrCorrupt is returned when saved data cannot be read back.
	ErrCorrupt = errors.New("store: corrupt entry")

	// ErrNotConnected is returned by database-backed stores used before Connect.
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")
)

// IsNotFound reports whether err means nothing is saved.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
