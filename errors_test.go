package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

func TestInvalidCredentialsError(t *testing.T) {
	err := &InvalidCredentialsError{Field: "user_id", Reason: "is blank"}

	if !errors.Is(err, ErrInvalidCredentials) {
		t.Error("expected errors.Is to return true for ErrInvalidCredentials")
	}
	if got := err.Error(); got != "courier: invalid credentials: user_id is blank" {
		t.Errorf("unexpected message %q", got)
	}

	var target *InvalidCredentialsError
	if !errors.As(fmt.Errorf("sign in: %w", err), &target) || target.Field != "user_id" {
		t.Error("expected errors.As to extract the field")
	}
}

func TestErrNoSavedSession(t *testing.T) {
	if !errors.Is(ErrNoSavedSession, store.ErrNotFound) {
		t.Error("expected ErrNoSavedSession to wrap store.ErrNotFound")
	}
	if !store.IsNotFound(ErrNoSavedSession) {
		t.Error("expected store.IsNotFound to match")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid credentials", &InvalidCredentialsError{Field: "user_id", Reason: "is blank"}, false},
		{"not signed in", ErrNotSignedIn, false},
		{"backend required", ErrBackendRequired, false},
		{"already connected", ErrAlreadyConnected, false},
		{"invalid provider", ErrInvalidProvider, false},
		{"invalid tracking url", ErrInvalidTrackingURL, false},
		{"invalid push", ErrInvalidPush, false},
		{"nil listener", ErrNilListener, false},
		{"corrupt store", fmt.Errorf("load: %w", store.ErrCorrupt), false},
		{"decode", &backend.DecodeError{Op: "fetch", Err: errors.New("bad json")}, false},
		{"unauthorized", &backend.RemoteError{StatusCode: http.StatusUnauthorized}, false},
		{"not found", &backend.RemoteError{StatusCode: http.StatusNotFound}, false},
		{"bad request", &backend.RemoteError{StatusCode: http.StatusBadRequest}, false},
		{"invalid cursor", &backend.RemoteError{StatusCode: http.StatusBadRequest, Type: backend.TypeInvalidCursor}, false},
		{"rate limited", &backend.RemoteError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &backend.RemoteError{StatusCode: http.StatusBadGateway}, true},
		{"transport", &backend.TransportError{Op: "fetch", Err: errors.New("refused")}, true},
		{"not connected", ErrNotConnected, true},
		{"session changed", ErrSessionChanged, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unknown", errors.New("something"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRemoteError(t *testing.T) {
	wrapped := fmt.Errorf("fetch: %w", &backend.RemoteError{StatusCode: http.StatusForbidden, Message: "no"})
	re, ok := IsRemoteError(wrapped)
	if !ok || re.StatusCode != http.StatusForbidden {
		t.Fatalf("expected remote error, got %v %v", re, ok)
	}
	if !errors.Is(wrapped, ErrUnauthorized) {
		t.Error("expected 403 to match ErrUnauthorized")
	}
	if _, ok := IsRemoteError(errors.New("plain")); ok {
		t.Error("expected plain error not to match")
	}
}
