package courier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/backend/memory"
)

const waitTimeout = 2 * time.Second

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestClient returns a connected client on an in-memory backend. The
// client is closed when the test ends.
func setupTestClient(t *testing.T, opts ...Option) (*Client, *memory.Service) {
	t.Helper()
	return setupTestClientWith(t, memory.New(), opts...)
}

func setupTestClientWith(t *testing.T, svc *memory.Service, opts ...Option) (*Client, *memory.Service) {
	t.Helper()
	c, err := NewClient(append([]Option{WithBackend(svc)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, svc
}

// signIn signs in userID and fails the test on error.
func signIn(t *testing.T, c *Client, userID string) {
	t.Helper()
	if err := c.SignIn(context.Background(), "jwt-"+userID, "ck", userID); err != nil {
		t.Fatalf("sign in %s failed: %v", userID, err)
	}
}

// seed adds n messages for userID, newest first by index: msg-0 is the newest.
func seed(svc *memory.Service, userID string, n int) []string {
	ids := make([]string, n)
	for i := range n {
		ids[i] = svc.Add(userID, backend.Message{
			ID:        fmt.Sprintf("msg-%d", i),
			Title:     fmt.Sprintf("title %d", i),
			CreatedAt: baseTime.Add(-time.Duration(i) * time.Minute),
		})
	}
	return ids
}

// flush waits until every task queued so far has run.
func flush(t *testing.T, c *Client) {
	t.Helper()
	e, err := c.engine()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := e.run(ctx, func(context.Context) {}); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// waitFor polls cond until it holds. For effects of background calls that
// have no completion signal.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gate holds one backend operation until opened.
type gate struct {
	op      string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(op string) *gate {
	return &gate{
		op:      op,
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (g *gate) hook(ctx context.Context, op string) error {
	if op != g.op {
		return nil
	}
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

// waitEntered waits for a held call to reach the backend.
func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s call", g.op)
	}
}

// hooks chains gates into one backend hook.
func hooks(gates ...*gate) memory.Hook {
	return func(ctx context.Context, op string) error {
		for _, g := range gates {
			if err := g.hook(ctx, op); err != nil {
				return err
			}
		}
		return nil
	}
}

// inboxRecorder records inbox callbacks in order.
type inboxRecorder struct {
	mu    sync.Mutex
	calls []string
	errs  chan error
	snaps chan InboxSnapshot
}

func newInboxRecorder() *inboxRecorder {
	return &inboxRecorder{
		errs:  make(chan error, 256),
		snaps: make(chan InboxSnapshot, 256),
	}
}

func (r *inboxRecorder) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *inboxRecorder) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *inboxRecorder) count(call string) int {
	n := 0
	for _, c := range r.history() {
		if c == call {
			n++
		}
	}
	return n
}

func (r *inboxRecorder) listener() InboxListener {
	return InboxListener{
		OnInitialLoad: func(context.Context) {
			r.record("initial")
		},
		OnError: func(_ context.Context, err error) {
			r.record("error")
			r.errs <- err
		},
		OnMessagesChanged: func(_ context.Context, s InboxSnapshot) {
			r.record("changed")
			r.snaps <- s
		},
	}
}

// waitSnapshot returns the first delivered snapshot matching pred.
func (r *inboxRecorder) waitSnapshot(t *testing.T, pred func(InboxSnapshot) bool) InboxSnapshot {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-r.snaps:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for inbox snapshot")
			return InboxSnapshot{}
		}
	}
}

func (r *inboxRecorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for inbox error")
		return nil
	}
}

func loaded(s InboxSnapshot) bool {
	return s.State == InboxReady
}

func hasLen(n int) func(InboxSnapshot) bool {
	return func(s InboxSnapshot) bool { return s.State == InboxReady && len(s.Messages) == n }
}

func findMessage(s InboxSnapshot, id string) (InboxMessage, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return InboxMessage{}, false
}

// fakePlatform is a PushPlatform with a fixed token.
type fakePlatform struct {
	provider string
	token    string
	err      error
}

func (p *fakePlatform) Provider() string {
	return p.provider
}

func (p *fakePlatform) CurrentToken(context.Context) (string, error) {
	return p.token, p.err
}
