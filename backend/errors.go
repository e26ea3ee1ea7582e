package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for the backend package.
var (
	// ErrTransport marks network and connectivity failures.
	ErrTransport = errors.New("backend: transport failure")

	// ErrRemote marks non-success responses from the remote service.
	ErrRemote = errors.New("backend: remote service error")

	// ErrDecode marks malformed responses.
	ErrDecode = errors.New("backend: decode failure")

	// ErrNotFound is returned when the remote service has no such resource.
	ErrNotFound = errors.New("backend: not found")

	// ErrUnauthorized is returned when credentials are missing or rejected.
	ErrUnauthorized = errors.New("backend: unauthorized")

	// ErrInvalidCursor is returned for a cursor the service did not issue.
	ErrInvalidCursor = errors.New("backend: invalid cursor")
)

// TypeInvalidCursor is the RemoteError type reported for a rejected cursor.
const TypeInvalidCursor = "invalid_cursor"

// TransportError wraps a failure to reach the remote service.
type TransportError struct {
	Op  string // operation, e.g. "fetch messages"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend: %s: transport: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error and ErrTransport.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Retryable reports true: connectivity failures are transient.
func (e *TransportError) Retryable() bool { return true }

// RemoteError is a non-success response carrying the server's code and message.
// Callers can use errors.As to extract it:
//
//	var remoteErr *backend.RemoteError
//	if errors.As(err, &remoteErr) && remoteErr.StatusCode == 401 { ... }
type RemoteError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("backend: remote error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend: remote error %s (%d): %s", e.Type, e.StatusCode, e.Message)
}

// Unwrap returns ErrRemote plus a status-specific sentinel where one applies.
func (e *RemoteError) Unwrap() []error {
	switch e.StatusCode {
	case 401, 403:
		return []error{ErrRemote, ErrUnauthorized}
	case 404:
		return []error{ErrRemote, ErrNotFound}
	}
	if e.Type == TypeInvalidCursor {
		return []error{ErrRemote, ErrInvalidCursor}
	}
	return []error{ErrRemote}
}

// Retryable reports whether repeating the request may succeed.
func (e *RemoteError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// DecodeError reports a response body that could not be decoded.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("backend: %s: decode: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error and ErrDecode.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Retryable reports false: the same response would fail again.
func (e *DecodeError) Retryable() bool { return false }

// IsRemoteError checks whether err carries a RemoteError and returns it.
func IsRemoteError(err error) (*RemoteError, bool) {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr, true
	}
	return nil, false
}
