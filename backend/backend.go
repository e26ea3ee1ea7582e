// Package backend defines the remote messaging service the courier client
// talks to. Implementations are in backend/rest (HTTP) and backend/memory
// (in-process, for tests and offline use).
//
// The client treats every method as a single attempt: a returned error is
// terminal for that one operation. Retries, if any, belong to the
// implementation (see backend/rest WithRetry).
//
// Errors returned by implementations should be, or wrap, one of
// *TransportError, *RemoteError or *DecodeError so callers can classify them
// with errors.Is against ErrTransport, ErrRemote and ErrDecode.
package backend

import (
	"context"
	"time"
)

// Credentials identify the signed-in user on every remote call.
type Credentials struct {
	UserID      string
	AccessToken string
	ClientKey   string
}

// Valid reports whether the user id and access token are both set.
func (c Credentials) Valid() bool {
	return c.UserID != "" && c.AccessToken != ""
}

// Message is an inbox message as returned by the remote service.
type Message struct {
	ID        string         `json:"messageId"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	Opened    bool           `json:"opened"`
	CreatedAt time.Time      `json:"created"`
}

// PageRequest asks for one page of the inbox.
type PageRequest struct {
	// Cursor is the value returned by the previous page; empty for the first page.
	Cursor string
	// Limit is the requested page size.
	Limit int
}

// Page is one page of the inbox, newest first.
type Page struct {
	Messages []Message
	// Cursor marks the next page boundary; empty when there are no more pages.
	Cursor string
	// CanPaginate reports whether another page exists.
	CanPaginate bool
	// UnreadCount is the server-side unread total, when the service reports it.
	UnreadCount int
}

// TrackingEvent is the kind of engagement reported for a push or message.
type TrackingEvent string

// Tracking events understood by the remote service.
const (
	TrackingDelivered TrackingEvent = "DELIVERED"
	TrackingClicked   TrackingEvent = "CLICKED"
	TrackingOpened    TrackingEvent = "OPENED"
	TrackingRead      TrackingEvent = "READ"
	TrackingUnread    TrackingEvent = "UNREAD"
)

// PreferenceStatus is a user's subscription status for a topic.
type PreferenceStatus string

// Preference statuses.
const (
	PreferenceOptedIn  PreferenceStatus = "OPTED_IN"
	PreferenceOptedOut PreferenceStatus = "OPTED_OUT"
	PreferenceRequired PreferenceStatus = "REQUIRED"
	PreferenceUnknown  PreferenceStatus = "UNKNOWN"
)

// PreferenceChannel is a delivery channel a topic can be routed to.
type PreferenceChannel string

// Preference channels.
const (
	ChannelDirectMessage PreferenceChannel = "direct_message"
	ChannelEmail         PreferenceChannel = "email"
	ChannelPush          PreferenceChannel = "push"
	ChannelSMS           PreferenceChannel = "sms"
	ChannelWebhook       PreferenceChannel = "webhook"
)

// PreferenceTopic is the user's preference for one topic.
type PreferenceTopic struct {
	TopicID          string              `json:"topic_id"`
	TopicName        string              `json:"topic_name,omitempty"`
	SectionID        string              `json:"section_id,omitempty"`
	SectionName      string              `json:"section_name,omitempty"`
	Status           PreferenceStatus    `json:"status"`
	DefaultStatus    PreferenceStatus    `json:"default_status,omitempty"`
	HasCustomRouting bool                `json:"has_custom_routing"`
	CustomRouting    []PreferenceChannel `json:"custom_routing,omitempty"`
}

// Preferences is one page of the user's topic preferences.
type Preferences struct {
	Topics []PreferenceTopic `json:"items"`
	Cursor string            `json:"cursor,omitempty"`
	More   bool              `json:"more"`
}

// InboxService covers the inbox feed and its per-message mutations.
type InboxService interface {
	// FetchMessages returns one page of the user's inbox.
	FetchMessages(ctx context.Context, creds Credentials, req PageRequest) (*Page, error)
	// ReadMessage marks a message read.
	ReadMessage(ctx context.Context, creds Credentials, messageID string) error
	// UnreadMessage marks a message unread.
	UnreadMessage(ctx context.Context, creds Credentials, messageID string) error
	// ClickMessage records a click on a message.
	ClickMessage(ctx context.Context, creds Credentials, messageID string) error
	// OpenMessage records that a message was opened.
	OpenMessage(ctx context.Context, creds Credentials, messageID string) error
}

// TokenService registers device push tokens for a user.
type TokenService interface {
	PutUserToken(ctx context.Context, creds Credentials, provider, token string) error
	DeleteUserToken(ctx context.Context, creds Credentials, token string) error
}

// TrackingService reports push engagement. Tracking URLs carry their own
// authorization, so no credentials are needed.
type TrackingService interface {
	PostTrackingURL(ctx context.Context, url string, event TrackingEvent) error
}

// PreferenceService reads and updates topic preferences.
type PreferenceService interface {
	GetPreferences(ctx context.Context, creds Credentials, cursor string) (*Preferences, error)
	GetPreferenceTopic(ctx context.Context, creds Credentials, topicID string) (*PreferenceTopic, error)
	PutPreferenceTopic(ctx context.Context, creds Credentials, topic PreferenceTopic) error
}

// MessagingService is the complete remote surface used by the client.
type MessagingService interface {
	InboxService
	TokenService
	TrackingService
	PreferenceService
}
