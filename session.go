package courier

import (
	"context"
	"maps"
	"time"

	"github.com/rbaliyan/courier/backend"
)

// Push provider ids understood by the remote token service.
const (
	ProviderFCM       = "firebase-fcm"
	ProviderAPN       = "apn"
	ProviderExpo      = "expo"
	ProviderOneSignal = "onesignal"
)

// Session is a committed snapshot of the client identity.
// UserID and AccessToken are either both set or both empty.
type Session struct {
	UserID      string
	AccessToken string
	ClientKey   string
	// Tokens maps push provider to device token. Kept across sign-out.
	Tokens map[string]string
}

// SignedIn reports whether the snapshot holds a user.
func (s Session) SignedIn() bool {
	return s.UserID != "" && s.AccessToken != ""
}

// AuthListener is called with the current user id when attached and after
// every sign-in and sign-out ("" when signed out). ctx is bound to the
// client's serial queue; client calls made with it are queued and return
// without waiting.
type AuthListener func(ctx context.Context, userID string)

// session is the queue-owned identity.
type session struct {
	creds  backend.Credentials
	tokens map[string]string
}

func newSession(from *Session) session {
	s := session{tokens: make(map[string]string)}
	if from == nil {
		return s
	}
	s.creds = backend.Credentials{
		UserID:      from.UserID,
		AccessToken: from.AccessToken,
		ClientKey:   from.ClientKey,
	}
	maps.Copy(s.tokens, from.Tokens)
	return s
}

// Session returns the committed identity snapshot.
func (c *Client) Session() Session {
	s := *c.session.Load()
	s.Tokens = maps.Clone(s.Tokens)
	return s
}

// UserID returns the signed-in user id, or "".
func (c *Client) UserID() string {
	return c.session.Load().UserID
}

// AccessToken returns the current access token, or "".
func (c *Client) AccessToken() string {
	return c.session.Load().AccessToken
}

// ClientKey returns the current client key, or "".
func (c *Client) ClientKey() string {
	return c.session.Load().ClientKey
}

// IsSignedIn reports whether a user is signed in.
func (c *Client) IsSignedIn() bool {
	return c.session.Load().SignedIn()
}

// Token returns the device token registered for provider, or "".
func (c *Client) Token(provider string) string {
	return c.session.Load().Tokens[provider]
}

// FCMToken returns the Firebase Cloud Messaging device token, or "".
func (c *Client) FCMToken() string {
	return c.Token(ProviderFCM)
}

// SignIn sets the identity. The user id and access token must be non-blank;
// otherwise an *InvalidCredentialsError is returned and nothing changes. A
// SignInHook plugin may also reject the call.
//
// Signing in as a different user clears the inbox feed. Every auth listener
// is notified exactly once per call, and every known device token is
// registered for the user in the background.
func (c *Client) SignIn(ctx context.Context, accessToken, clientKey, userID string) error {
	if err := validateCredentials(accessToken, clientKey, userID); err != nil {
		return err
	}
	e, err := c.engine()
	if err != nil {
		return err
	}
	if err := c.plugins.beforeSignIn(ctx, userID); err != nil {
		return err
	}
	creds := backend.Credentials{UserID: userID, AccessToken: accessToken, ClientKey: clientKey}
	return e.run(ctx, func(qctx context.Context) {
		e.signIn(qctx, creds, true)
	})
}

// SignOut clears the identity and the inbox feed. Device tokens are kept
// locally and unregistered remotely for the outgoing user. Auth listeners are
// notified with "" once per call, even when already signed out.
func (c *Client) SignOut(ctx context.Context) error {
	e, err := c.engine()
	if err != nil {
		return err
	}
	return e.run(ctx, func(qctx context.Context) {
		e.signOut(qctx)
	})
}

// SetToken records the device token for provider. An empty token removes
// it. While signed in, the old token is unregistered and the new one
// registered in the background.
func (c *Client) SetToken(ctx context.Context, provider, token string) error {
	if err := validateProvider(provider); err != nil {
		return err
	}
	e, err := c.engine()
	if err != nil {
		return err
	}
	return e.run(ctx, func(qctx context.Context) {
		e.setToken(qctx, provider, token)
	})
}

// SetFCMToken is SetToken for ProviderFCM.
func (c *Client) SetFCMToken(ctx context.Context, token string) error {
	return c.SetToken(ctx, ProviderFCM, token)
}

// AddAuthenticationListener calls fn with the current user id, then after
// every sign-in and sign-out until the handle is removed.
func (c *Client) AddAuthenticationListener(ctx context.Context, fn AuthListener) (*ListenerHandle, error) {
	if fn == nil {
		return nil, ErrNilListener
	}
	e, err := c.engine()
	if err != nil {
		return nil, err
	}
	return addSubscriber(ctx, e, e.authListeners, fn, func(qctx context.Context, sub *subscriber[AuthListener]) {
		userID := e.sess.creds.UserID
		e.safeCall("auth", sub.handle, func() { sub.fn(qctx, userID) })
	})
}

func (e *engine) signIn(qctx context.Context, creds backend.Credentials, persist bool) {
	prev := e.sess.creds
	e.sess.creds = creds
	e.publishSession()
	e.logger.Info("signed in", "user_id", creds.UserID)

	if prev.UserID != "" && prev.UserID != creds.UserID {
		e.resetInbox(qctx, ErrSessionChanged)
	}

	e.notifyAuth(qctx, creds.UserID)
	if persist {
		e.persist(creds)
	}
	publishEvent(e, EventNameAuthChanged, e.events.AuthChanged, AuthChangedEvent{
		UserID:    creds.UserID,
		Previous:  prev.UserID,
		ChangedAt: time.Now().UTC(),
	})

	if prev.Valid() && prev.UserID != creds.UserID {
		for _, token := range e.sess.tokens {
			e.deleteToken(prev, token)
		}
	}
	for provider, token := range e.sess.tokens {
		e.putToken(creds, provider, token)
	}

	if e.inbox.fetch == nil && !e.inbox.loaded && e.hasInboxListeners() {
		broadcast(e, "inbox", e.inboxListeners, func(sub *subscriber[InboxListener]) {
			if sub.fn.OnInitialLoad != nil {
				sub.fn.OnInitialLoad(qctx)
			}
		})
		e.startFetch(qctx, false)
	}
}

func (e *engine) signOut(qctx context.Context) {
	prev := e.sess.creds
	if prev.Valid() {
		for _, token := range e.sess.tokens {
			e.deleteToken(prev, token)
		}
	}

	e.sess.creds = backend.Credentials{}
	e.publishSession()
	e.logger.Info("signed out", "user_id", prev.UserID)

	e.resetInbox(qctx, ErrSessionChanged)
	e.notifyAuth(qctx, "")
	e.persist(backend.Credentials{})
	publishEvent(e, EventNameAuthChanged, e.events.AuthChanged, AuthChangedEvent{
		Previous:  prev.UserID,
		ChangedAt: time.Now().UTC(),
	})
}

func (e *engine) setToken(_ context.Context, provider, token string) {
	old := e.sess.tokens[provider]
	if token == "" {
		delete(e.sess.tokens, provider)
	} else {
		e.sess.tokens[provider] = token
	}
	e.publishSession()

	creds := e.sess.creds
	if !creds.Valid() || old == token {
		return
	}
	if old != "" {
		e.deleteToken(creds, old)
	}
	if token != "" {
		e.putToken(creds, provider, token)
	}
}

func (e *engine) notifyAuth(qctx context.Context, userID string) {
	broadcast(e, "auth", e.authListeners, func(sub *subscriber[AuthListener]) {
		sub.fn(qctx, userID)
	})
}

// publishSession makes the queue-owned identity visible to accessors.
func (e *engine) publishSession() {
	e.client.session.Store(&Session{
		UserID:      e.sess.creds.UserID,
		AccessToken: e.sess.creds.AccessToken,
		ClientKey:   e.sess.creds.ClientKey,
		Tokens:      maps.Clone(e.sess.tokens),
	})
}

// persist saves or clears the stored session on the outbox, preserving
// order between consecutive sign-ins and sign-outs.
func (e *engine) persist(creds backend.Credentials) {
	cs := e.opts.credStore
	if cs == nil {
		return
	}
	err := e.outbox.Submit(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.requestTimeout)
		defer cancel()
		var err error
		if creds.Valid() {
			err = cs.Save(ctx, creds)
		} else {
			err = cs.Clear(ctx)
		}
		if err != nil {
			e.logger.Warn("failed to persist session", "user_id", creds.UserID, "error", err)
		}
	})
	if err != nil {
		e.logger.Warn("session not persisted, client closing", "user_id", creds.UserID)
	}
}

func (e *engine) putToken(creds backend.Credentials, provider, token string) {
	e.spawn(func(ctx context.Context) {
		if err := e.backend.PutUserToken(ctx, creds, provider, token); err != nil {
			e.logger.Warn("failed to register device token",
				"user_id", creds.UserID, "provider", provider, "error", err)
			return
		}
		e.logger.Debug("device token registered", "user_id", creds.UserID, "provider", provider)
	})
}

func (e *engine) deleteToken(creds backend.Credentials, token string) {
	e.spawn(func(ctx context.Context) {
		if err := e.backend.DeleteUserToken(ctx, creds, token); err != nil {
			e.logger.Warn("failed to unregister device token", "user_id", creds.UserID, "error", err)
		}
	})
}
