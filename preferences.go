package courier

import (
	"context"

	"github.com/rbaliyan/courier/backend"
)

// Preference types, re-exported from the backend package.
type (
	Preferences       = backend.Preferences
	PreferenceTopic   = backend.PreferenceTopic
	PreferenceStatus  = backend.PreferenceStatus
	PreferenceChannel = backend.PreferenceChannel
)

// Preference statuses.
const (
	PreferenceOptedIn  = backend.PreferenceOptedIn
	PreferenceOptedOut = backend.PreferenceOptedOut
	PreferenceRequired = backend.PreferenceRequired
	PreferenceUnknown  = backend.PreferenceUnknown
)

// Preference channels.
const (
	ChannelDirectMessage = backend.ChannelDirectMessage
	ChannelEmail         = backend.ChannelEmail
	ChannelPush          = backend.ChannelPush
	ChannelSMS           = backend.ChannelSMS
	ChannelWebhook       = backend.ChannelWebhook
)

// GetUserPreferences returns one page of the user's topic preferences.
// Pass "" for the first page and Preferences.Cursor for the next.
func (c *Client) GetUserPreferences(ctx context.Context, cursor string) (*Preferences, error) {
	e, creds, err := c.signedIn()
	if err != nil {
		return nil, err
	}
	var prefs *Preferences
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		prefs, err = e.backend.GetPreferences(ctx, creds, cursor)
		return err
	})
	return prefs, err
}

// GetPreferenceTopic returns the user's preference for one topic.
func (c *Client) GetPreferenceTopic(ctx context.Context, topicID string) (*PreferenceTopic, error) {
	if topicID == "" {
		return nil, ErrInvalidTopic
	}
	e, creds, err := c.signedIn()
	if err != nil {
		return nil, err
	}
	var topic *PreferenceTopic
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		topic, err = e.backend.GetPreferenceTopic(ctx, creds, topicID)
		return err
	})
	return topic, err
}

// PutPreferenceTopic updates the user's preference for one topic. routing
// applies only when hasCustomRouting is true.
func (c *Client) PutPreferenceTopic(ctx context.Context, topicID string, status PreferenceStatus, hasCustomRouting bool, routing []PreferenceChannel) error {
	if topicID == "" {
		return ErrInvalidTopic
	}
	e, creds, err := c.signedIn()
	if err != nil {
		return err
	}
	topic := PreferenceTopic{
		TopicID:          topicID,
		Status:           status,
		HasCustomRouting: hasCustomRouting,
		CustomRouting:    routing,
	}
	return e.call(ctx, func(ctx context.Context) error {
		return e.backend.PutPreferenceTopic(ctx, creds, topic)
	})
}

// signedIn returns the live engine and the committed credentials.
func (c *Client) signedIn() (*engine, backend.Credentials, error) {
	e, err := c.engine()
	if err != nil {
		return nil, backend.Credentials{}, err
	}
	s := c.session.Load()
	creds := backend.Credentials{UserID: s.UserID, AccessToken: s.AccessToken, ClientKey: s.ClientKey}
	if !creds.Valid() {
		return nil, backend.Credentials{}, ErrNotSignedIn
	}
	return e, creds, nil
}
