package courier

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for client lifecycle events.
const (
	EventNameAuthChanged  = "courier.auth.changed"
	EventNameMessageRead  = "courier.message.read"
	EventNamePushReceived = "courier.push.received"
)

// AuthChangedEvent is published after every sign-in and sign-out.
// UserID is empty for a sign-out.
type AuthChangedEvent struct {
	UserID    string    `json:"user_id"`
	Previous  string    `json:"previous_user_id,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// MessageReadEvent is published when a message is marked read locally,
// by ReadMessage or ClickMessage.
type MessageReadEvent struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// PushReceivedEvent is published for every push accepted by ReceivePush.
type PushReceivedEvent struct {
	MessageID   string    `json:"message_id,omitempty"`
	TrackingURL string    `json:"tracking_url,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ClientEvents provides access to per-client event instances.
// Each client creates its own events bound to its own event bus.
//
// Subscribe to events:
//
//	client.Events().AuthChanged.Subscribe(ctx, handler)
//	client.Events().MessageRead.Subscribe(ctx, handler)
type ClientEvents struct {
	// AuthChanged is published after sign-in and sign-out.
	AuthChanged event.Event[AuthChangedEvent]

	// MessageRead is published when a message is marked read.
	MessageRead event.Event[MessageReadEvent]

	// PushReceived is published when a push is received.
	PushReceived event.Event[PushReceivedEvent]
}

// newClientEvents creates per-client event instances with a unique name prefix.
func newClientEvents(namePrefix string) *ClientEvents {
	return &ClientEvents{
		AuthChanged:  event.New[AuthChangedEvent](namePrefix + "." + EventNameAuthChanged),
		MessageRead:  event.New[MessageReadEvent](namePrefix + "." + EventNameMessageRead),
		PushReceived: event.New[PushReceivedEvent](namePrefix + "." + EventNamePushReceived),
	}
}

// registerClientEvents registers per-client events with the given bus.
func registerClientEvents(ctx context.Context, bus *event.Bus, events *ClientEvents) error {
	if err := event.Register(ctx, bus, events.AuthChanged); err != nil {
		return fmt.Errorf("register AuthChanged: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageRead); err != nil {
		return fmt.Errorf("register MessageRead: %w", err)
	}
	if err := event.Register(ctx, bus, events.PushReceived); err != nil {
		return fmt.Errorf("register PushReceived: %w", err)
	}
	return nil
}

// publishEvent hands an event to the outbox queue so publishing never runs
// on the serial context. Failures go to the publish failure handler.
func publishEvent[T any](e *engine, name string, ev event.Event[T], data T) {
	err := e.outbox.Submit(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.requestTimeout)
		defer cancel()
		if err := ev.Publish(ctx, data); err != nil {
			e.opts.safeEventPublishFailure(name, err)
		}
	})
	if err != nil {
		e.logger.Debug("event dropped after close", "event", name)
	}
}
