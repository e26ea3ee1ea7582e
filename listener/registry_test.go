package listener

import (
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("broadcast reaches registrations in order", func(t *testing.T) {
		r := New[string]()
		r.Add("a")
		r.Add("b")
		r.Add("c")

		var got []string
		r.Broadcast(func(v string) { got = append(got, v) })

		if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
			t.Errorf("expected [a b c], got %v", got)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		r := New[int]()
		h := r.Add(1)
		r.Add(2)

		h.Remove()
		h.Remove()

		if r.Len() != 1 {
			t.Errorf("expected 1 registration, got %d", r.Len())
		}
		if !h.Removed() {
			t.Error("expected handle to report removed")
		}
		if r.Contains(h) {
			t.Error("expected removed handle not to be contained")
		}
	})

	t.Run("remove after close is a no-op", func(t *testing.T) {
		r := New[int]()
		h := r.Add(1)
		r.Close()

		h.Remove()
		h.Remove()

		if r.Len() != 0 {
			t.Errorf("expected empty registry, got %d", r.Len())
		}
	})

	t.Run("add after close returns removed handle", func(t *testing.T) {
		r := New[int]()
		r.Close()

		h := r.Add(1)
		if !h.Removed() {
			t.Error("expected handle from closed registry to be removed")
		}
		if r.Len() != 0 {
			t.Errorf("expected empty registry, got %d", r.Len())
		}
	})

	t.Run("nil handle is safe", func(t *testing.T) {
		var h *Handle
		h.Remove()
		if h.ID() != "" {
			t.Error("expected empty id for nil handle")
		}
	})

	t.Run("removal during broadcast applies to next broadcast", func(t *testing.T) {
		r := New[string]()
		var second *Handle
		r.Add("first")
		second = r.Add("second")

		var got []string
		r.Broadcast(func(v string) {
			if v == "first" {
				second.Remove()
			}
			got = append(got, v)
		})
		if len(got) != 2 {
			t.Fatalf("expected current broadcast to reach both, got %v", got)
		}

		got = nil
		r.Broadcast(func(v string) { got = append(got, v) })
		if len(got) != 1 || got[0] != "first" {
			t.Errorf("expected next broadcast to reach only first, got %v", got)
		}
	})

	t.Run("add during broadcast applies to next broadcast", func(t *testing.T) {
		r := New[string]()
		r.Add("first")

		var got []string
		r.Broadcast(func(v string) {
			r.Add("late")
			got = append(got, v)
		})
		if len(got) != 1 {
			t.Errorf("expected 1 delivery, got %v", got)
		}
		if r.Len() != 2 {
			t.Errorf("expected 2 registrations, got %d", r.Len())
		}
	})

	t.Run("independent registries", func(t *testing.T) {
		a := New[int]()
		b := New[int]()
		ha := a.Add(1)
		b.Add(1)

		ha.Remove()
		if b.Len() != 1 {
			t.Errorf("removing from one registry affected another: %d", b.Len())
		}
	})
}

func TestRegistryConcurrency(t *testing.T) {
	r := New[int]()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h := r.Add(n)
			r.Broadcast(func(int) {})
			h.Remove()
			h.Remove()
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}
