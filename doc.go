// Package courier is a client SDK for a remote messaging service: one
// signed-in identity with rotating credentials, device push tokens, push
// delivery tracking, and a paginated inbox that merges fetched pages with
// messages arriving by push.
//
// # Basic Usage
//
//	client, err := courier.NewClient(
//	    courier.WithBackend(rest.New()),
//	    courier.WithCredentialStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	if err := client.SignIn(ctx, jwt, clientKey, "user123"); err != nil {
//	    log.Fatal(err)
//	}
//
//	handle, err := client.AddInboxListener(ctx, courier.InboxListener{
//	    OnInitialLoad:     func(ctx context.Context) { showSpinner() },
//	    OnError:           func(ctx context.Context, err error) { showError(err) },
//	    OnMessagesChanged: func(ctx context.Context, s courier.InboxSnapshot) { render(s) },
//	})
//	defer handle.Remove()
//
// # Execution Model
//
// Every mutation of the session and the inbox runs on one serial queue, in
// submission order. Listeners are called from that queue, one at a time.
// Remote calls run off the queue; their results re-enter it. Accessors such
// as UserID and Inbox read committed snapshots and never wait.
//
// Listener callbacks receive a context bound to the queue. Client calls
// made with that context are queued behind the current callback and return
// without waiting for their result.
//
// # Inbox
//
//   - AddInboxListener: attach callbacks; the first listener starts the load
//   - FetchNextPageOfMessages: load the next page; concurrent calls share one fetch
//   - RefreshInbox: reload the first page
//   - ReadMessage/UnreadMessage/ClickMessage/OpenMessage: optimistic, then remote
//
// Remote failures of message actions are reported through OnError; the
// local change is kept.
//
// # Push
//
//   - ReceivePush: add the carried message to the inbox, track DELIVERED
//   - ClickPush: track CLICKED, notify click listeners
//   - Track: post any tracking event once per (url, event)
//
// # Backends
//
// The backend package defines the remote service. Implementations:
//   - HTTP (backend/rest)
//   - In-memory (backend/memory) - for testing
//
// Sessions are persisted through a store.CredentialStore:
//   - Redis (store/redis) - accepts redis.UniversalClient
//   - MongoDB (store/mongo) - call Connect before use
//   - PostgreSQL (store/postgres) - call Connect before use
//   - In-memory (store/memory) - for testing
//
// # Plugins
//
// Plugins are initialized on Connect and closed on Close. A plugin that
// implements PushHook or SignInHook can reject pushes or sign-ins.
//
// # Events
//
// The client publishes lifecycle events with github.com/rbaliyan/event/v3:
//
//	client, _ := courier.NewClient(
//	    courier.WithBackend(b),
//	    courier.WithRedisClient(redisClient),
//	)
//
//	events := client.Events()
//	events.AuthChanged.Subscribe(ctx, handler)
//
// Without WithRedisClient or WithEventTransport events are dropped.
package courier
