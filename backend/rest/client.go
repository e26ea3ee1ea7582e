// Package rest implements backend.MessagingService over HTTP.
//
// The inbox feed and per-message actions go through the inbox GraphQL
// endpoint; device tokens and preferences use the JSON REST API; tracking
// posts go straight to the tracking URL carried by each push.
//
// Every call is a single attempt unless WithRetry is given. Failures are
// reported as *backend.TransportError, *backend.RemoteError or
// *backend.DecodeError.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/courier/backend"
	"github.com/rbaliyan/courier/retry"
)

// Default endpoints.
const (
	DefaultBaseURL  = "https://api.courier.com"
	DefaultInboxURL = "https://inbox.courier.com/q"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 4 << 20

// Client talks to the remote messaging service.
type Client struct {
	baseURL    string
	inboxURL   string
	httpClient *http.Client
	logger     *slog.Logger
	retry      *retry.Config
	userAgent  string
}

var _ backend.MessagingService = (*Client)(nil)

// Option configures a Client.
type Option func(*options)

type options struct {
	baseURL    string
	inboxURL   string
	httpClient *http.Client
	logger     *slog.Logger
	retry      *retry.Config
	userAgent  string
}

// WithBaseURL sets the REST API base URL.
func WithBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithInboxURL sets the inbox GraphQL endpoint.
func WithInboxURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.inboxURL = u
		}
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithLogger sets the logger. Each request is logged at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetry retries transient failures according to cfg. Without it every
// call is a single attempt.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = &cfg
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// New creates a client.
func New(opts ...Option) (*Client, error) {
	o := &options{
		baseURL:    DefaultBaseURL,
		inboxURL:   DefaultInboxURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		userAgent:  "courier-go",
	}
	for _, opt := range opts {
		opt(o)
	}

	for _, raw := range []string{o.baseURL, o.inboxURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("rest: invalid URL %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("rest: invalid URL %q: scheme must be http or https", raw)
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(o.baseURL, "/"),
		inboxURL:   o.inboxURL,
		httpClient: o.httpClient,
		logger:     o.logger,
		retry:      o.retry,
		userAgent:  o.userAgent,
	}, nil
}

// CloseIdleConnections closes idle connections in the transport pool.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// request describes one HTTP call.
type request struct {
	op      string
	method  string
	url     string
	headers http.Header
	body    any
}

// do runs req, with retries when configured, and returns the response body.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	if c.retry == nil {
		return c.send(ctx, req)
	}
	cfg := *c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			c.logger.Debug("retrying request",
				"op", req.op,
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		}
	}
	return retry.DoWithResult(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return c.send(ctx, req)
	})
}

func (c *Client) send(ctx context.Context, req request) ([]byte, error) {
	var bodyReader io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return nil, retry.MarkNotRetryable(fmt.Errorf("rest: %s: encode request body: %w", req.op, err))
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return nil, retry.MarkNotRetryable(fmt.Errorf("rest: %s: create request: %w", req.op, err))
	}
	for k, vs := range req.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &backend.TransportError{Op: req.op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &backend.TransportError{Op: req.op, Err: err}
	}

	c.logger.Debug("api request",
		"op", req.op,
		"method", req.method,
		"url", req.url,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	remoteErr := &backend.RemoteError{}
	if jsonErr := json.Unmarshal(respBody, remoteErr); jsonErr != nil || remoteErr.Message == "" {
		remoteErr.Message = strings.TrimSpace(string(respBody))
		if remoteErr.Message == "" {
			remoteErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	remoteErr.StatusCode = resp.StatusCode
	return nil, remoteErr
}

// userHeaders identifies the user on REST calls.
func userHeaders(creds backend.Credentials) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.AccessToken)
	h.Set("x-courier-user-id", creds.UserID)
	if creds.ClientKey != "" {
		h.Set("x-courier-client-key", creds.ClientKey)
	}
	return h
}

func decode(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &backend.DecodeError{Op: op, Err: err}
	}
	return nil
}

// =============================================================================
// Tokens
// =============================================================================

// PutUserToken registers a device token for the user.
func (c *Client) PutUserToken(ctx context.Context, creds backend.Credentials, provider, token string) error {
	body := map[string]any{
		"provider_key": provider,
		"device": map[string]any{
			"app_id":   "",
			"platform": "go",
		},
	}
	_, err := c.do(ctx, request{
		op:      "put user token",
		method:  http.MethodPut,
		url:     c.tokenURL(creds.UserID, token),
		headers: userHeaders(creds),
		body:    body,
	})
	return err
}

// DeleteUserToken removes a device token.
func (c *Client) DeleteUserToken(ctx context.Context, creds backend.Credentials, token string) error {
	_, err := c.do(ctx, request{
		op:      "delete user token",
		method:  http.MethodDelete,
		url:     c.tokenURL(creds.UserID, token),
		headers: userHeaders(creds),
	})
	return err
}

func (c *Client) tokenURL(userID, token string) string {
	return c.baseURL + "/users/" + url.PathEscape(userID) + "/tokens/" + url.PathEscape(token)
}

// =============================================================================
// Tracking
// =============================================================================

// PostTrackingURL reports event to a tracking URL.
func (c *Client) PostTrackingURL(ctx context.Context, trackingURL string, event backend.TrackingEvent) error {
	if _, err := url.Parse(trackingURL); err != nil {
		return fmt.Errorf("rest: invalid tracking URL %q: %w", trackingURL, err)
	}
	_, err := c.do(ctx, request{
		op:     "post tracking url",
		method: http.MethodPost,
		url:    trackingURL,
		body:   map[string]string{"event": string(event)},
	})
	return err
}

// =============================================================================
// Preferences
// =============================================================================

func (c *Client) preferencesURL(userID string) string {
	return c.baseURL + "/users/" + url.PathEscape(userID) + "/preferences"
}

// GetPreferences returns one page of the user's topic preferences.
func (c *Client) GetPreferences(ctx context.Context, creds backend.Credentials, cursor string) (*backend.Preferences, error) {
	u := c.preferencesURL(creds.UserID)
	if cursor != "" {
		u += "?" + url.Values{"cursor": {cursor}}.Encode()
	}
	body, err := c.do(ctx, request{
		op:      "get preferences",
		method:  http.MethodGet,
		url:     u,
		headers: userHeaders(creds),
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Items  []backend.PreferenceTopic `json:"items"`
		Paging struct {
			Cursor string `json:"cursor"`
			More   bool   `json:"more"`
		} `json:"paging"`
	}
	if err := decode("get preferences", body, &resp); err != nil {
		return nil, err
	}
	return &backend.Preferences{
		Topics: resp.Items,
		Cursor: resp.Paging.Cursor,
		More:   resp.Paging.More,
	}, nil
}

// GetPreferenceTopic returns the user's preference for one topic.
func (c *Client) GetPreferenceTopic(ctx context.Context, creds backend.Credentials, topicID string) (*backend.PreferenceTopic, error) {
	body, err := c.do(ctx, request{
		op:      "get preference topic",
		method:  http.MethodGet,
		url:     c.preferencesURL(creds.UserID) + "/" + url.PathEscape(topicID),
		headers: userHeaders(creds),
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Topic backend.PreferenceTopic `json:"topic"`
	}
	if err := decode("get preference topic", body, &resp); err != nil {
		return nil, err
	}
	if resp.Topic.TopicID == "" {
		resp.Topic.TopicID = topicID
	}
	return &resp.Topic, nil
}

// PutPreferenceTopic updates the user's preference for one topic.
func (c *Client) PutPreferenceTopic(ctx context.Context, creds backend.Credentials, topic backend.PreferenceTopic) error {
	routing := topic.CustomRouting
	if routing == nil {
		routing = []backend.PreferenceChannel{}
	}
	body := map[string]any{
		"topic": map[string]any{
			"status":             topic.Status,
			"has_custom_routing": topic.HasCustomRouting,
			"custom_routing":     routing,
		},
	}
	_, err := c.do(ctx, request{
		op:      "put preference topic",
		method:  http.MethodPut,
		url:     c.preferencesURL(creds.UserID) + "/" + url.PathEscape(topic.TopicID),
		headers: userHeaders(creds),
		body:    body,
	})
	return err
}

// =============================================================================
// Send
// =============================================================================

// SendRequest is a message sent through the send API. It is meant for
// integration tests and demos: the auth key must never ship in an app.
type SendRequest struct {
	UserID   string         `json:"-"`
	Title    string         `json:"-"`
	Body     string         `json:"-"`
	Channels []string       `json:"-"`
	Data     map[string]any `json:"-"`
}

// SendMessage sends a message to a user and returns the request id.
func (c *Client) SendMessage(ctx context.Context, authKey string, req SendRequest) (string, error) {
	if authKey == "" {
		return "", fmt.Errorf("rest: send message: auth key is required")
	}
	if req.UserID == "" {
		return "", fmt.Errorf("rest: send message: user id is required")
	}

	message := map[string]any{
		"to": map[string]any{"user_id": req.UserID},
		"content": map[string]any{
			"title": req.Title,
			"body":  req.Body,
		},
	}
	if len(req.Channels) > 0 {
		message["routing"] = map[string]any{
			"method":   "all",
			"channels": req.Channels,
		}
	}
	if len(req.Data) > 0 {
		message["data"] = req.Data
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+authKey)
	headers.Set("Idempotency-Key", uuid.NewString())

	body, err := c.do(ctx, request{
		op:      "send message",
		method:  http.MethodPost,
		url:     c.baseURL + "/send",
		headers: headers,
		body:    map[string]any{"message": message},
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		RequestID string `json:"requestId"`
	}
	if err := decode("send message", body, &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}
