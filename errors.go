package courier

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

// Sentinel errors for the courier package.
// Use errors.Is() to check for these errors.
var (
	// ErrInvalidCredentials is returned by SignIn for a blank user id or
	// access token. No state is changed.
	ErrInvalidCredentials = errors.New("courier: invalid credentials")

	// ErrNotSignedIn is returned, or delivered to inbox listeners, when an
	// operation needs a signed-in user.
	ErrNotSignedIn = errors.New("courier: not signed in")

	// ErrNotFoundLocally marks a message id that is not in the inbox feed.
	// Message actions treat it as a no-op and never return it.
	ErrNotFoundLocally = errors.New("courier: message not in feed")

	// ErrSessionChanged is returned to callers waiting on a fetch that was
	// abandoned because the user signed out or changed.
	ErrSessionChanged = errors.New("courier: session changed")

	// ErrBackendRequired is returned when no messaging backend is configured.
	ErrBackendRequired = errors.New("courier: backend is required")

	// ErrNotConnected is returned when operations are attempted before
	// Connect() or after Close().
	ErrNotConnected = errors.New("courier: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("courier: already connected")

	// ErrInvalidProvider is returned for an empty push provider id.
	ErrInvalidProvider = errors.New("courier: invalid push provider")

	// ErrInvalidTrackingURL is returned by Track for a missing or malformed URL.
	ErrInvalidTrackingURL = errors.New("courier: invalid tracking url")

	// ErrInvalidTopic is returned for an empty preference topic id.
	ErrInvalidTopic = errors.New("courier: invalid preference topic")

	// ErrNilListener is returned when a nil callback is registered.
	ErrNilListener = errors.New("courier: nil listener")

	// ErrInvalidPush is returned for a push payload that carries nothing usable.
	ErrInvalidPush = errors.New("courier: invalid push payload")

	// ErrNoSavedSession wraps store.ErrNotFound for consistent error checking.
	ErrNoSavedSession = fmt.Errorf("courier: %w", store.ErrNotFound)
)

// Remote failure classes, re-exported from the backend package so callers
// need not import it.
var (
	ErrTransport     = backend.ErrTransport
	ErrRemote        = backend.ErrRemote
	ErrDecode        = backend.ErrDecode
	ErrUnauthorized  = backend.ErrUnauthorized
	ErrNotFound      = backend.ErrNotFound
	ErrInvalidCursor = backend.ErrInvalidCursor
)

// Typed remote errors. Use errors.As to extract them.
type (
	TransportError = backend.TransportError
	RemoteError    = backend.RemoteError
	DecodeError    = backend.DecodeError
)

// InvalidCredentialsError describes why SignIn rejected its input.
type InvalidCredentialsError struct {
	Field  string // "user_id", "access_token" or "client_key"
	Reason string
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("courier: invalid credentials: %s %s", e.Field, e.Reason)
}

func (e *InvalidCredentialsError) Unwrap() error {
	return ErrInvalidCredentials
}

// EventPublishError reports a lifecycle event that could not be published.
// It is passed to the publish failure handler, never returned by an operation.
type EventPublishError struct {
	Event string
	Err   error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("courier: event %s publish failed: %v", e.Event, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsRetryableError determines if an error is retryable.
// Returns true for transient failures, false for permanent ones.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	permanentErrors := []error{
		ErrInvalidCredentials,
		ErrNotSignedIn,
		ErrBackendRequired,
		ErrAlreadyConnected,
		ErrInvalidProvider,
		ErrInvalidTrackingURL,
		ErrInvalidPush,
		ErrInvalidTopic,
		ErrNilListener,
		ErrDecode,
		ErrUnauthorized,
		ErrNotFound,
		ErrInvalidCursor,
		store.ErrInvalidCredentials,
		store.ErrCorrupt,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	retryableErrors := []error{
		ErrNotConnected,   // connection can be re-established
		ErrSessionChanged, // the same call succeeds against the new session
		ErrTransport,
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// Unknown errors might be transient network or timeout issues.
	return true
}

// IsRemoteError checks if the error carries a RemoteError and returns it.
func IsRemoteError(err error) (*RemoteError, bool) {
	return backend.IsRemoteError(err)
}
