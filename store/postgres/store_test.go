package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/store"
)

func TestNewOptions(t *testing.T) {
	o := newOptions()
	if o.table != DefaultTable || o.key != DefaultKey || o.timeout != DefaultTimeout {
		t.Errorf("unexpected defaults %+v", o)
	}

	o = newOptions(WithTable("auth"), WithKey("device-1"), WithTimeout(time.Second), WithLogger(nil))
	if o.table != "auth" || o.key != "device-1" || o.timeout != time.Second {
		t.Errorf("options not applied: %+v", o)
	}
	if o.logger == nil {
		t.Error("expected default logger kept")
	}
}

func TestTableIsQuoted(t *testing.T) {
	s := New(nil, WithTable(`sessions"; DROP TABLE x; --`))
	if s.table != `"sessions""; DROP TABLE x; --"` {
		t.Errorf("expected quoted identifier, got %s", s.table)
	}
}

func TestRenderQueries(t *testing.T) {
	s := New(nil, WithTable("auth"))
	for name, q := range map[string]string{
		"create": s.q.create,
		"load":   s.q.load,
		"save":   s.q.save,
		"clear":  s.q.clear,
	} {
		if !strings.Contains(q, `"auth"`) {
			t.Errorf("%s query does not use the quoted table: %s", name, q)
		}
	}
	if !strings.Contains(s.q.save, "ON CONFLICT (key)") {
		t.Errorf("expected upsert, got %s", s.q.save)
	}
}

func TestStoreNotConnected(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	if err := s.Connect(ctx); err == nil {
		t.Error("expected error for nil db")
	}
	if _, err := s.Load(ctx); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Save(ctx, backend.Credentials{UserID: "alice", AccessToken: "jwt"}); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Clear(ctx); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Save(ctx, backend.Credentials{AccessToken: "jwt"}); !errors.Is(err, store.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}
