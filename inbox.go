package courier

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/serial"
)

// InboxMessage is a message in the inbox feed.
type InboxMessage = backend.Message

// InboxState is the load state of the inbox feed.
type InboxState int

// Inbox states. Idle -> InitialLoading -> Ready <-> Paginating. A failed
// load returns to Ready when data exists, Idle otherwise.
const (
	InboxIdle InboxState = iota
	InboxInitialLoading
	InboxReady
	InboxPaginating
)

func (s InboxState) String() string {
	switch s {
	case InboxIdle:
		return "idle"
	case InboxInitialLoading:
		return "initial_loading"
	case InboxReady:
		return "ready"
	case InboxPaginating:
		return "paginating"
	default:
		return "unknown"
	}
}

// InboxSnapshot is a committed view of the feed. Messages is shared between
// listeners and must not be modified.
type InboxSnapshot struct {
	Messages    []InboxMessage
	TotalCount  int
	UnreadCount int
	CanPaginate bool
	State       InboxState
}

// InboxListener is one unit of inbox callbacks. Nil callbacks are skipped.
// Each callback gets a context bound to the client's serial queue.
type InboxListener struct {
	// OnInitialLoad is called first, when the listener is attached and when
	// a sign-in starts loading the feed.
	OnInitialLoad func(ctx context.Context)
	// OnError receives load failures, failed remote message actions, and
	// ErrNotSignedIn when attached without a session.
	OnError func(ctx context.Context, err error)
	// OnMessagesChanged receives the feed after every change.
	OnMessagesChanged func(ctx context.Context, snapshot InboxSnapshot)
}

// inboxState is the queue-owned inbox.
type inboxState struct {
	state       InboxState
	generation  uint64 // bumped when the feed is reset
	feed        *feed
	cursor      string
	canPaginate bool
	loaded      bool
	fetch       *pendingFetch // at most one page fetch in flight
}

func newInboxState() inboxState {
	return inboxState{state: InboxIdle, feed: newFeed()}
}

// pendingFetch is the page fetch in flight and the callers waiting on it.
type pendingFetch struct {
	generation uint64
	replace    bool
	issuedRev  uint64
	waiters    []chan<- error
}

func (f *pendingFetch) resolve(err error) {
	for _, w := range f.waiters {
		w <- err
	}
	f.waiters = nil
}

// messageAction is an optimistic message mutation.
type messageAction string

const (
	actionRead   messageAction = "read"
	actionUnread messageAction = "unread"
	actionClick  messageAction = "click"
	actionOpen   messageAction = "open"
)

// AddInboxListener attaches l. OnInitialLoad is called first; then the
// current feed is delivered if one is loaded, or the first page is fetched.
// Attaching several listeners while the first page loads starts one fetch.
func (c *Client) AddInboxListener(ctx context.Context, l InboxListener) (*ListenerHandle, error) {
	e, err := c.engine()
	if err != nil {
		return nil, err
	}
	return addSubscriber(ctx, e, e.inboxListeners, l, e.attachInbox)
}

// FetchNextPageOfMessages loads the next page and waits for it. It returns
// at once when there is nothing more to load. A call made while a fetch is
// in flight waits for that fetch instead of starting another.
func (c *Client) FetchNextPageOfMessages(ctx context.Context) error {
	return c.fetch(ctx, false)
}

// RefreshInbox re-fetches the first page and replaces the feed with it.
// Messages changed locally since the refresh started keep their state.
func (c *Client) RefreshInbox(ctx context.Context) error {
	return c.fetch(ctx, true)
}

func (c *Client) fetch(ctx context.Context, refresh bool) error {
	e, err := c.engine()
	if err != nil {
		return err
	}
	reentrant := serial.Running(ctx, e.queue)
	done := make(chan error, 1)
	if err := e.run(ctx, func(qctx context.Context) {
		f, err := e.requestFetch(qctx, refresh)
		if err != nil || f == nil {
			done <- err
			return
		}
		f.waiters = append(f.waiters, done)
	}); err != nil {
		return err
	}
	if reentrant {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadMessage marks a message read locally, notifies listeners, then tells
// the remote service. Unknown ids are ignored.
func (c *Client) ReadMessage(ctx context.Context, messageID string) error {
	return c.messageAction(ctx, actionRead, messageID)
}

// UnreadMessage marks a message unread.
func (c *Client) UnreadMessage(ctx context.Context, messageID string) error {
	return c.messageAction(ctx, actionUnread, messageID)
}

// ClickMessage records a click. A clicked message is also marked read.
func (c *Client) ClickMessage(ctx context.Context, messageID string) error {
	return c.messageAction(ctx, actionClick, messageID)
}

// OpenMessage marks a message opened.
func (c *Client) OpenMessage(ctx context.Context, messageID string) error {
	return c.messageAction(ctx, actionOpen, messageID)
}

func (c *Client) messageAction(ctx context.Context, action messageAction, messageID string) error {
	e, err := c.engine()
	if err != nil {
		return err
	}
	return e.run(ctx, func(qctx context.Context) {
		e.applyAction(qctx, action, messageID)
	})
}

// Inbox returns the committed feed snapshot.
func (c *Client) Inbox() InboxSnapshot {
	return *c.inbox.Load()
}

// InboxMessages returns the committed feed, newest first.
func (c *Client) InboxMessages() []InboxMessage {
	return c.inbox.Load().Messages
}

// SetInboxPaginationLimit sets the page size for the next fetch, clamped to
// [MinPaginationLimit, MaxPaginationLimit], and returns the stored value.
func (c *Client) SetInboxPaginationLimit(n int) int {
	n = clampPaginationLimit(n)
	c.limit.Store(int32(n))
	return n
}

// InboxPaginationLimit returns the page size used for the next fetch.
func (c *Client) InboxPaginationLimit() int {
	return int(c.limit.Load())
}

func (e *engine) attachInbox(qctx context.Context, sub *subscriber[InboxListener]) {
	l := sub.fn
	if l.OnInitialLoad != nil {
		e.safeCall("inbox", sub.handle, func() { l.OnInitialLoad(qctx) })
	}
	if !sub.live() {
		return
	}

	switch {
	case !e.sess.creds.Valid():
		if l.OnError != nil {
			e.safeCall("inbox", sub.handle, func() { l.OnError(qctx, ErrNotSignedIn) })
		}
	case e.inbox.loaded:
		if l.OnMessagesChanged != nil {
			snap := *e.client.inbox.Load()
			e.safeCall("inbox", sub.handle, func() { l.OnMessagesChanged(qctx, snap) })
		}
	case e.inbox.fetch != nil:
		// The fetch in flight broadcasts to this listener too.
	default:
		e.startFetch(qctx, false)
	}
}

// requestFetch returns the fetch the caller should wait on, or nil when
// there is nothing to load.
func (e *engine) requestFetch(qctx context.Context, refresh bool) (*pendingFetch, error) {
	if !e.sess.creds.Valid() {
		return nil, ErrNotSignedIn
	}
	if e.inbox.fetch != nil {
		return e.inbox.fetch, nil
	}
	if !refresh && e.inbox.loaded && !e.inbox.canPaginate {
		return nil, nil
	}
	return e.startFetch(qctx, refresh), nil
}

// startFetch issues a page fetch. Callers have checked that a user is
// signed in and no fetch is in flight.
func (e *engine) startFetch(_ context.Context, refresh bool) *pendingFetch {
	creds := e.sess.creds
	replace := refresh && e.inbox.loaded
	cursor := e.inbox.cursor
	if refresh || !e.inbox.loaded {
		cursor = ""
	}

	f := &pendingFetch{
		generation: e.inbox.generation,
		replace:    replace,
		issuedRev:  e.inbox.feed.rev(),
	}
	e.inbox.fetch = f
	switch {
	case !e.inbox.loaded:
		e.inbox.state = InboxInitialLoading
	case !refresh:
		e.inbox.state = InboxPaginating
	}
	e.publishInbox()

	limit := int(e.client.limit.Load())
	e.logger.Debug("fetching inbox page", "user_id", creds.UserID, "limit", limit, "refresh", refresh)

	e.spawn(func(ctx context.Context) {
		ctx, end := e.otel.startSpan(ctx, "courier.inbox.fetch",
			attribute.String("user_id", creds.UserID),
			attribute.Bool("refresh", refresh),
			attribute.Int("limit", limit),
		)
		start := time.Now()
		page, err := e.backend.FetchMessages(ctx, creds, backend.PageRequest{Cursor: cursor, Limit: limit})
		if err == nil && page == nil {
			page = &backend.Page{}
		}
		count := 0
		if page != nil {
			count = len(page.Messages)
		}
		end(err)
		e.otel.recordFetch(ctx, time.Since(start), refresh, count, err)

		if subErr := e.queue.Submit(func(qctx context.Context) {
			e.finishFetch(qctx, f, page, err)
		}); subErr != nil {
			e.logger.Debug("inbox page dropped, client closing", "user_id", creds.UserID)
		}
	})
	return f
}

func (e *engine) finishFetch(qctx context.Context, f *pendingFetch, page *backend.Page, err error) {
	if e.inbox.fetch == f {
		e.inbox.fetch = nil
	}
	if f.generation != e.inbox.generation {
		e.logger.Debug("dropping inbox page for previous session")
		f.resolve(ErrSessionChanged)
		return
	}

	if err != nil {
		if e.inbox.loaded {
			e.inbox.state = InboxReady
		} else {
			e.inbox.state = InboxIdle
		}
		e.publishInbox()
		e.logger.Warn("inbox fetch failed", "user_id", e.sess.creds.UserID, "error", err)
		e.broadcastError(qctx, err)
		f.resolve(err)
		return
	}

	if f.replace {
		e.inbox.feed.retainSince(f.issuedRev)
	}
	added := e.inbox.feed.merge(page.Messages, f.issuedRev)
	e.inbox.cursor = page.Cursor
	e.inbox.canPaginate = page.CanPaginate && page.Cursor != ""
	e.inbox.loaded = true
	e.inbox.state = InboxReady
	e.publishInbox()
	e.logger.Debug("inbox page merged",
		"user_id", e.sess.creds.UserID,
		"received", len(page.Messages),
		"added", added,
		"can_paginate", e.inbox.canPaginate,
	)
	e.broadcastSnapshot(qctx)
	f.resolve(nil)
}

func (e *engine) applyAction(qctx context.Context, action messageAction, messageID string) {
	ok := e.inbox.feed.setFlags(messageID, func(m *backend.Message) {
		switch action {
		case actionRead, actionClick:
			m.Read = true
		case actionUnread:
			m.Read = false
		case actionOpen:
			m.Opened = true
		}
	})
	if !ok {
		e.logger.Debug("message action ignored",
			"action", string(action), "message_id", messageID, "error", ErrNotFoundLocally)
		return
	}

	e.publishInbox()
	e.broadcastSnapshot(qctx)

	creds := e.sess.creds
	if action == actionRead || action == actionClick {
		publishEvent(e, EventNameMessageRead, e.events.MessageRead, MessageReadEvent{
			MessageID: messageID,
			UserID:    creds.UserID,
			ReadAt:    time.Now().UTC(),
		})
	}

	remote := e.remoteAction(action)
	generation := e.inbox.generation
	e.spawn(func(ctx context.Context) {
		ctx, end := e.otel.startSpan(ctx, "courier.inbox.mutate",
			attribute.String("operation", string(action)),
			attribute.String("message_id", messageID),
		)
		start := time.Now()
		err := remote(ctx, creds, messageID)
		end(err)
		e.otel.recordMutate(ctx, time.Since(start), string(action), err)
		if err == nil {
			return
		}
		_ = e.queue.Submit(func(qctx context.Context) {
			if generation != e.inbox.generation {
				return
			}
			e.logger.Warn("message action failed",
				"action", string(action), "message_id", messageID, "error", err)
			e.broadcastError(qctx, err)
		})
	})
}

func (e *engine) remoteAction(action messageAction) func(context.Context, backend.Credentials, string) error {
	switch action {
	case actionUnread:
		return e.backend.UnreadMessage
	case actionClick:
		return e.backend.ClickMessage
	case actionOpen:
		return e.backend.OpenMessage
	default:
		return e.backend.ReadMessage
	}
}

// insertPush adds a message delivered by push at its place in the feed.
func (e *engine) insertPush(qctx context.Context, m backend.Message) {
	if !e.sess.creds.Valid() {
		e.logger.Debug("push message ignored, not signed in", "message_id", m.ID)
		return
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if !e.inbox.feed.insertLocal(m) {
		return
	}
	e.publishInbox()
	e.broadcastSnapshot(qctx)
}

// resetInbox clears the feed for a new session. Late completions for the
// old session are dropped by generation.
func (e *engine) resetInbox(qctx context.Context, cause error) {
	e.inbox.generation++
	e.abortFetch(cause)
	e.inbox.feed = newFeed()
	e.inbox.cursor = ""
	e.inbox.canPaginate = false
	e.inbox.loaded = false
	e.inbox.state = InboxIdle
	e.publishInbox()
	e.broadcastSnapshot(qctx)
}

func (e *engine) abortFetch(cause error) {
	if f := e.inbox.fetch; f != nil {
		e.inbox.fetch = nil
		f.resolve(cause)
	}
}

func (e *engine) hasInboxListeners() bool {
	for _, sub := range e.inboxListeners.Snapshot() {
		if sub.live() {
			return true
		}
	}
	return false
}

// publishInbox makes the queue-owned feed visible to accessors.
func (e *engine) publishInbox() {
	e.client.inbox.Store(&InboxSnapshot{
		Messages:    e.inbox.feed.messages(),
		TotalCount:  e.inbox.feed.len(),
		UnreadCount: e.inbox.feed.unread(),
		CanPaginate: e.inbox.canPaginate,
		State:       e.inbox.state,
	})
}

func (e *engine) broadcastSnapshot(qctx context.Context) {
	snap := *e.client.inbox.Load()
	broadcast(e, "inbox", e.inboxListeners, func(sub *subscriber[InboxListener]) {
		if sub.fn.OnMessagesChanged != nil {
			sub.fn.OnMessagesChanged(qctx, snap)
		}
	})
}

func (e *engine) broadcastError(qctx context.Context, err error) {
	broadcast(e, "inbox", e.inboxListeners, func(sub *subscriber[InboxListener]) {
		if sub.fn.OnError != nil {
			sub.fn.OnError(qctx, err)
		}
	})
}
