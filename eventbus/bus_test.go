package eventbus

import (
	"errors"
	"testing"
)

type pushEvent struct {
	ID string
}

func TestBus(t *testing.T) {
	t.Run("emit reaches all subscribers", func(t *testing.T) {
		b := New[pushEvent]("test")
		var a, c []string
		b.Subscribe(func(e pushEvent) { a = append(a, e.ID) })
		b.Subscribe(func(e pushEvent) { c = append(c, e.ID) })

		if err := b.Emit(pushEvent{ID: "1"}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
		if len(a) != 1 || len(c) != 1 {
			t.Errorf("expected one delivery each, got %v and %v", a, c)
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := New[pushEvent]("test")
		count := 0
		h := b.Subscribe(func(pushEvent) { count++ })

		b.Emit(pushEvent{ID: "1"})
		h.Remove()
		h.Remove()
		b.Emit(pushEvent{ID: "2"})

		if count != 1 {
			t.Errorf("expected 1 delivery, got %d", count)
		}
		if b.Subscribers() != 0 {
			t.Errorf("expected no subscribers, got %d", b.Subscribers())
		}
	})

	t.Run("panicking subscriber does not stop others", func(t *testing.T) {
		b := New[pushEvent]("test")
		delivered := false
		b.Subscribe(func(pushEvent) { panic("boom") })
		b.Subscribe(func(pushEvent) { delivered = true })

		if err := b.Emit(pushEvent{ID: "1"}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
		if !delivered {
			t.Error("expected second subscriber to receive the event")
		}
	})

	t.Run("emit after close fails", func(t *testing.T) {
		b := New[pushEvent]("test")
		h := b.Subscribe(func(pushEvent) {})
		b.Close()
		b.Close()

		if err := b.Emit(pushEvent{}); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		h.Remove()
	})
}
