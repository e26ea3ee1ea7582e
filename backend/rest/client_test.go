package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/retry"
)

var testCreds = backend.Credentials{UserID: "alice", AccessToken: "jwt-a", ClientKey: "ck"}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]Option{
		WithBaseURL(server.URL),
		WithInboxURL(server.URL + "/q"),
		WithHTTPClient(server.Client()),
	}, opts...)
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := New()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.baseURL != DefaultBaseURL || c.inboxURL != DefaultInboxURL {
			t.Errorf("unexpected defaults: %q %q", c.baseURL, c.inboxURL)
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		c, err := New(WithBaseURL("http://localhost:8080/"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.baseURL != "http://localhost:8080" {
			t.Errorf("expected trimmed base URL, got %q", c.baseURL)
		}
	})

	t.Run("invalid scheme", func(t *testing.T) {
		if _, err := New(WithBaseURL("ftp://example.com")); err == nil {
			t.Error("expected error for ftp scheme")
		}
	})
}

func TestFetchMessages(t *testing.T) {
	var gotBody graphQLRequest
	var gotHeaders http.Header
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/q" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"data":{"count":1,"messages":{"totalCount":2,
			"pageInfo":{"startCursor":"c2","hasNextPage":true},
			"nodes":[
				{"messageId":"m1","read":null,"opened":"2026-01-01T00:00:00Z","created":"2026-01-02T10:00:00Z","title":"hi","preview":"body","data":{"k":"v"}},
				{"messageId":"m2","read":"2026-01-01T00:00:00Z","opened":null,"created":"2026-01-01T10:00:00Z","title":"old"}
			]}}}`))
	}))

	page, err := c.FetchMessages(context.Background(), testCreds, backend.PageRequest{Cursor: "c1", Limit: 10})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if gotHeaders.Get("Authorization") != "Bearer jwt-a" || gotHeaders.Get("x-courier-user-id") != "alice" {
		t.Errorf("missing auth headers: %v", gotHeaders)
	}
	if gotHeaders.Get("X-Request-Id") == "" {
		t.Error("expected a request id header")
	}
	if gotBody.Variables["after"] != "c1" || gotBody.Variables["limit"] != float64(10) {
		t.Errorf("unexpected variables: %v", gotBody.Variables)
	}

	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	m1 := page.Messages[0]
	if m1.ID != "m1" || m1.Read || !m1.Opened || m1.Body != "body" || m1.Data["k"] != "v" {
		t.Errorf("unexpected first message: %+v", m1)
	}
	if !page.Messages[1].Read {
		t.Error("expected second message to be read")
	}
	if !page.CanPaginate || page.Cursor != "c2" || page.UnreadCount != 1 {
		t.Errorf("unexpected page info: %+v", page)
	}
	if !m1.CreatedAt.Equal(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected created time: %v", m1.CreatedAt)
	}
}

func TestFetchMessagesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "remote error",
			status: http.StatusInternalServerError,
			body:   `{"type":"server_error","message":"boom"}`,
			check:  func(err error) bool { return errors.Is(err, backend.ErrRemote) },
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `not json`,
			check:  func(err error) bool { return errors.Is(err, backend.ErrUnauthorized) },
		},
		{
			name:   "graphql error",
			status: http.StatusOK,
			body:   `{"errors":[{"message":"invalid cursor","extensions":{"code":"BAD_USER_INPUT"}}]}`,
			check:  func(err error) bool { return errors.Is(err, backend.ErrInvalidCursor) },
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `{"data":`,
			check:  func(err error) bool { return errors.Is(err, backend.ErrDecode) },
		},
		{
			name:   "missing data",
			status: http.StatusOK,
			body:   `{}`,
			check:  func(err error) bool { return errors.Is(err, backend.ErrDecode) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, err := c.FetchMessages(context.Background(), testCreds, backend.PageRequest{Limit: 1})
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	t.Run("remote error fields", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"type":"rate_limited","message":"slow down"}`))
		}))
		_, err := c.FetchMessages(context.Background(), testCreds, backend.PageRequest{})
		remoteErr, ok := backend.IsRemoteError(err)
		if !ok {
			t.Fatalf("expected RemoteError, got %v", err)
		}
		if remoteErr.StatusCode != 429 || remoteErr.Type != "rate_limited" || remoteErr.Message != "slow down" {
			t.Errorf("unexpected remote error: %+v", remoteErr)
		}
		if !remoteErr.Retryable() {
			t.Error("expected 429 to be retryable")
		}
	})

	t.Run("transport error", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		c, err := New(WithInboxURL(url + "/q"))
		if err != nil {
			t.Fatalf("failed to create client: %v", err)
		}
		_, err = c.FetchMessages(context.Background(), testCreds, backend.PageRequest{})
		if !errors.Is(err, backend.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
	})
}

func TestMessageActions(t *testing.T) {
	var queries []graphQLRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		json.NewDecoder(r.Body).Decode(&req)
		queries = append(queries, req)
		w.Write([]byte(`{"data":{}}`))
	}))

	ctx := context.Background()
	actions := []func() error{
		func() error { return c.ReadMessage(ctx, testCreds, "m1") },
		func() error { return c.UnreadMessage(ctx, testCreds, "m1") },
		func() error { return c.OpenMessage(ctx, testCreds, "m1") },
		func() error { return c.ClickMessage(ctx, testCreds, "m1") },
	}
	for i, action := range actions {
		if err := action(); err != nil {
			t.Fatalf("action %d failed: %v", i, err)
		}
	}

	if len(queries) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(queries))
	}
	for i, want := range []string{readMutation, unreadMutation, openMutation, clickMutation} {
		if queries[i].Query != compactQuery(want) {
			t.Errorf("request %d: unexpected query %q", i, queries[i].Query)
		}
		if queries[i].Variables["messageId"] != "m1" {
			t.Errorf("request %d: unexpected variables %v", i, queries[i].Variables)
		}
	}
}

func TestTokens(t *testing.T) {
	var method, path string
	var body map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.EscapedPath()
		body = nil
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	if err := c.PutUserToken(ctx, testCreds, "firebase-fcm", "tok/1"); err != nil {
		t.Fatalf("put token failed: %v", err)
	}
	if method != http.MethodPut || path != "/users/alice/tokens/tok%2F1" {
		t.Errorf("unexpected request %s %s", method, path)
	}
	if body["provider_key"] != "firebase-fcm" {
		t.Errorf("unexpected body: %v", body)
	}

	if err := c.DeleteUserToken(ctx, testCreds, "tok/1"); err != nil {
		t.Fatalf("delete token failed: %v", err)
	}
	if method != http.MethodDelete || path != "/users/alice/tokens/tok%2F1" {
		t.Errorf("unexpected request %s %s", method, path)
	}
}

func TestPostTrackingURL(t *testing.T) {
	var got map[string]string
	var authHeader string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
	}))

	trackingURL := c.baseURL + "/e/abc"
	if err := c.PostTrackingURL(context.Background(), trackingURL, backend.TrackingDelivered); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if got["event"] != "DELIVERED" {
		t.Errorf("unexpected body: %v", got)
	}
	if authHeader != "" {
		t.Errorf("tracking posts carry no credentials, got %q", authHeader)
	}
}

func TestPreferences(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/alice/preferences", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") != "p2" {
			t.Errorf("expected cursor p2, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"items":[{"topic_id":"t1","topic_name":"News","status":"OPTED_IN","default_status":"OPTED_IN","has_custom_routing":true,"custom_routing":["email","push"]}],"paging":{"cursor":"p3","more":true}}`))
	})
	mux.HandleFunc("GET /users/alice/preferences/t1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"topic":{"topic_id":"t1","status":"OPTED_OUT"}}`))
	})
	var putBody map[string]map[string]any
	mux.HandleFunc("PUT /users/alice/preferences/t1", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&putBody)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	prefs, err := c.GetPreferences(ctx, testCreds, "p2")
	if err != nil {
		t.Fatalf("get preferences failed: %v", err)
	}
	if len(prefs.Topics) != 1 || prefs.Cursor != "p3" || !prefs.More {
		t.Fatalf("unexpected preferences: %+v", prefs)
	}
	topic := prefs.Topics[0]
	if topic.TopicName != "News" || len(topic.CustomRouting) != 2 || topic.CustomRouting[0] != backend.ChannelEmail {
		t.Errorf("unexpected topic: %+v", topic)
	}

	got, err := c.GetPreferenceTopic(ctx, testCreds, "t1")
	if err != nil {
		t.Fatalf("get topic failed: %v", err)
	}
	if got.Status != backend.PreferenceOptedOut {
		t.Errorf("unexpected topic: %+v", got)
	}

	err = c.PutPreferenceTopic(ctx, testCreds, backend.PreferenceTopic{
		TopicID: "t1",
		Status:  backend.PreferenceOptedIn,
	})
	if err != nil {
		t.Fatalf("put topic failed: %v", err)
	}
	if putBody["topic"]["status"] != "OPTED_IN" || putBody["topic"]["has_custom_routing"] != false {
		t.Errorf("unexpected put body: %v", putBody)
	}
	if routing, ok := putBody["topic"]["custom_routing"].([]any); !ok || len(routing) != 0 {
		t.Errorf("expected empty routing list, got %v", putBody["topic"]["custom_routing"])
	}
}

func TestSendMessage(t *testing.T) {
	var auth, idem string
	var body map[string]map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"requestId":"req-1"}`))
	}))

	id, err := c.SendMessage(context.Background(), "auth-key", SendRequest{
		UserID:   "alice",
		Title:    "Hello",
		Body:     "World",
		Channels: []string{"inbox"},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id != "req-1" {
		t.Errorf("expected req-1, got %q", id)
	}
	if auth != "Bearer auth-key" || idem == "" {
		t.Errorf("unexpected headers: auth=%q idempotency=%q", auth, idem)
	}
	if to, _ := body["message"]["to"].(map[string]any); to["user_id"] != "alice" {
		t.Errorf("unexpected body: %v", body)
	}

	if _, err := c.SendMessage(context.Background(), "", SendRequest{UserID: "alice"}); err == nil {
		t.Error("expected error without auth key")
	}
}

func TestRetry(t *testing.T) {
	fast := retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("retries server errors", func(t *testing.T) {
		var attempts int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.Copy(io.Discard, r.Body)
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}), WithRetry(fast))

		if err := c.DeleteUserToken(context.Background(), testCreds, "tok"); err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var attempts int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadRequest)
		}), WithRetry(fast))

		err := c.DeleteUserToken(context.Background(), testCreds, "tok")
		if !errors.Is(err, backend.ErrRemote) || !errors.Is(err, retry.ErrNotRetryable) {
			t.Errorf("expected non-retryable remote error, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("single attempt by default", func(t *testing.T) {
		var attempts int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		if err := c.DeleteUserToken(context.Background(), testCreds, "tok"); !errors.Is(err, backend.ErrRemote) {
			t.Errorf("expected remote error, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})
}
