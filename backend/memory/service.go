// Package memory provides an in-memory MessagingService for testing.
// Nothing is persisted and there is no network: every call is served from
// maps guarded by a single mutex.
package memory

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/courier/backend"
)

// Operation names used by Calls, SetFailure and hooks.
const (
	OpFetch       = "fetch"
	OpRead        = "read"
	OpUnread      = "unread"
	OpClick       = "click"
	OpOpen        = "open"
	OpPutToken    = "put_token"
	OpDeleteToken = "delete_token"
	OpTrack       = "track"
	OpGetPrefs    = "get_preferences"
	OpGetTopic    = "get_topic"
	OpPutTopic    = "put_topic"
)

const preferencesPage = 20

// Hook runs before an operation is served. A non-nil error is returned to
// the caller instead of the result. Hooks may block to hold a call in flight.
type Hook func(ctx context.Context, op string) error

// TrackingRecord is one tracking URL post received by the service.
type TrackingRecord struct {
	URL   string
	Event backend.TrackingEvent
}

type userData struct {
	messages map[string]*backend.Message
	tokens   map[string]string // token -> provider
	topics   map[string]backend.PreferenceTopic
}

// Service implements backend.MessagingService in memory.
// Thread-safe for concurrent use. Not suitable for production.
type Service struct {
	mu       sync.Mutex
	users    map[string]*userData
	tracked  []TrackingRecord
	calls    map[string]int
	failures map[string]error
	hook     Hook
	now      func() time.Time
}

var _ backend.MessagingService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithHook installs a hook called before every operation.
func WithHook(h Hook) Option {
	return func(s *Service) {
		s.hook = h
	}
}

// WithClock sets the time source used to stamp added messages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty service.
func New(opts ...Option) *Service {
	s := &Service{
		users:    make(map[string]*userData),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) user(userID string) *userData {
	u, ok := s.users[userID]
	if !ok {
		u = &userData{
			messages: make(map[string]*backend.Message),
			tokens:   make(map[string]string),
			topics:   make(map[string]backend.PreferenceTopic),
		}
		s.users[userID] = u
	}
	return u
}

// =============================================================================
// Test helpers
// =============================================================================

// Add stores msg in the user's inbox and returns its id. A missing id or
// creation time is filled in.
func (s *Service) Add(userID string, msg backend.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.Data = maps.Clone(msg.Data)
	s.user(userID).messages[msg.ID] = &msg
	return msg.ID
}

// Remove deletes a message from the user's inbox.
func (s *Service) Remove(userID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.user(userID).messages, messageID)
}

// Message returns a copy of a stored message.
func (s *Service) Message(userID, messageID string) (backend.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.user(userID).messages[messageID]
	if !ok {
		return backend.Message{}, false
	}
	return clone(m), true
}

// Tokens returns the registered push tokens of a user, keyed by token.
func (s *Service) Tokens(userID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.user(userID).tokens)
}

// SetTopic stores a preference topic for a user.
func (s *Service) SetTopic(userID string, topic backend.PreferenceTopic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).topics[topic.TopicID] = topic
}

// Tracked returns every tracking post received, in arrival order.
func (s *Service) Tracked() []TrackingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tracked)
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SetFailure makes every subsequent op call fail with err until cleared
// with a nil err.
func (s *Service) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// begin counts the call, runs the hook and reports any configured failure.
func (s *Service) begin(ctx context.Context, op string, creds *backend.Credentials) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return &backend.TransportError{Op: op, Err: err}
	}

	s.mu.Lock()
	err := s.failures[op]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if creds != nil && !creds.Valid() {
		return &backend.RemoteError{StatusCode: http.StatusUnauthorized, Type: "unauthorized", Message: "missing credentials"}
	}
	return nil
}

// =============================================================================
// Inbox
// =============================================================================

// FetchMessages returns one page of the inbox, newest first. The cursor is
// the offset of the next page.
func (s *Service) FetchMessages(ctx context.Context, creds backend.Credentials, req backend.PageRequest) (*backend.Page, error) {
	if err := s.begin(ctx, OpFetch, &creds); err != nil {
		return nil, err
	}

	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, &backend.RemoteError{StatusCode: http.StatusBadRequest, Type: backend.TypeInvalidCursor, Message: "cursor not recognized"}
		}
		offset = n
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 32
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(creds.UserID)
	all := make([]*backend.Message, 0, len(u.messages))
	unread := 0
	for _, m := range u.messages {
		all = append(all, m)
		if !m.Read {
			unread++
		}
	}
	slices.SortFunc(all, func(a, b *backend.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	page := &backend.Page{UnreadCount: unread}
	if offset >= len(all) {
		return page, nil
	}
	end := min(offset+limit, len(all))
	for _, m := range all[offset:end] {
		page.Messages = append(page.Messages, clone(m))
	}
	if end < len(all) {
		page.Cursor = strconv.Itoa(end)
		page.CanPaginate = true
	}
	return page, nil
}

func (s *Service) mutate(ctx context.Context, op string, creds backend.Credentials, messageID string, fn func(*backend.Message)) error {
	if err := s.begin(ctx, op, &creds); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.user(creds.UserID).messages[messageID]
	if !ok {
		return &backend.RemoteError{StatusCode: http.StatusNotFound, Type: "not_found", Message: "message " + messageID + " not found"}
	}
	fn(m)
	return nil
}

// ReadMessage marks a message read.
func (s *Service) ReadMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return s.mutate(ctx, OpRead, creds, messageID, func(m *backend.Message) { m.Read = true })
}

// UnreadMessage marks a message unread.
func (s *Service) UnreadMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return s.mutate(ctx, OpUnread, creds, messageID, func(m *backend.Message) { m.Read = false })
}

// ClickMessage records a click, which also marks the message read.
func (s *Service) ClickMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return s.mutate(ctx, OpClick, creds, messageID, func(m *backend.Message) { m.Read = true })
}

// OpenMessage marks a message opened.
func (s *Service) OpenMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return s.mutate(ctx, OpOpen, creds, messageID, func(m *backend.Message) { m.Opened = true })
}

// =============================================================================
// Tokens and tracking
// =============================================================================

// PutUserToken registers a device token.
func (s *Service) PutUserToken(ctx context.Context, creds backend.Credentials, provider, token string) error {
	if err := s.begin(ctx, OpPutToken, &creds); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(creds.UserID).tokens[token] = provider
	return nil
}

// DeleteUserToken removes a device token. Unknown tokens are ignored.
func (s *Service) DeleteUserToken(ctx context.Context, creds backend.Credentials, token string) error {
	if err := s.begin(ctx, OpDeleteToken, &creds); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.user(creds.UserID).tokens, token)
	return nil
}

// PostTrackingURL records a tracking post.
func (s *Service) PostTrackingURL(ctx context.Context, url string, event backend.TrackingEvent) error {
	if err := s.begin(ctx, OpTrack, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, TrackingRecord{URL: url, Event: event})
	return nil
}

// =============================================================================
// Preferences
// =============================================================================

// GetPreferences returns the user's topics ordered by id, paged by offset.
func (s *Service) GetPreferences(ctx context.Context, creds backend.Credentials, cursor string) (*backend.Preferences, error) {
	if err := s.begin(ctx, OpGetPrefs, &creds); err != nil {
		return nil, err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, &backend.RemoteError{StatusCode: http.StatusBadRequest, Type: backend.TypeInvalidCursor, Message: "cursor not recognized"}
		}
		offset = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := slices.Sorted(maps.Keys(s.user(creds.UserID).topics))
	prefs := &backend.Preferences{}
	if offset >= len(ids) {
		return prefs, nil
	}
	end := min(offset+preferencesPage, len(ids))
	for _, id := range ids[offset:end] {
		prefs.Topics = append(prefs.Topics, s.users[creds.UserID].topics[id])
	}
	if end < len(ids) {
		prefs.Cursor = strconv.Itoa(end)
		prefs.More = true
	}
	return prefs, nil
}

// GetPreferenceTopic returns one topic.
func (s *Service) GetPreferenceTopic(ctx context.Context, creds backend.Credentials, topicID string) (*backend.PreferenceTopic, error) {
	if err := s.begin(ctx, OpGetTopic, &creds); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	topic, ok := s.user(creds.UserID).topics[topicID]
	if !ok {
		return nil, &backend.RemoteError{StatusCode: http.StatusNotFound, Type: "not_found", Message: "topic " + topicID + " not found"}
	}
	return &topic, nil
}

// PutPreferenceTopic creates or replaces a topic.
func (s *Service) PutPreferenceTopic(ctx context.Context, creds backend.Credentials, topic backend.PreferenceTopic) error {
	if err := s.begin(ctx, OpPutTopic, &creds); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	topic.CustomRouting = slices.Clone(topic.CustomRouting)
	s.user(creds.UserID).topics[topic.TopicID] = topic
	return nil
}

func clone(m *backend.Message) backend.Message {
	c := *m
	c.Data = maps.Clone(m.Data)
	return c
}
