package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/rbaliyan/courier/backend"
)

// Payload keys read from a push.
const (
	PushKeyTrackingURL  = "trackingUrl"
	PushKeyMessage      = "message"
	PushKeyNotification = "notification"
)

// Push is a platform push as seen by the client.
type Push struct {
	// Data is the raw payload.
	Data map[string]any
	// TrackingURL receives delivered and clicked events; may be empty.
	TrackingURL string
	// Message is the inbox message carried by the push, if any.
	Message *InboxMessage
	// ReceivedAt is when the client received the push.
	ReceivedAt time.Time
}

// PushListener receives pushes. ctx is bound to the client's serial queue.
type PushListener func(ctx context.Context, push Push)

// ParsePush reads a platform payload. The "message" entry may be a JSON
// object or a JSON string; a message without an id is dropped. ParsePush
// fails only for an empty payload.
func ParsePush(payload map[string]any) (Push, error) {
	return parsePush(payload, slog.Default())
}

func parsePush(payload map[string]any, logger *slog.Logger) (Push, error) {
	if len(payload) == 0 {
		return Push{}, ErrInvalidPush
	}
	p := Push{
		Data:       payload,
		ReceivedAt: time.Now().UTC(),
	}
	if url, ok := payload[PushKeyTrackingURL].(string); ok {
		p.TrackingURL = url
	}
	if raw, ok := payload[PushKeyMessage]; ok && raw != nil {
		m, err := decodePushMessage(raw)
		switch {
		case err != nil:
			logger.Warn("ignoring malformed push message", "error", err)
		case m.ID == "":
			logger.Warn("ignoring push message without id")
		default:
			p.Message = &m
		}
	}
	return p, nil
}

func decodePushMessage(raw any) (backend.Message, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return backend.Message{}, err
		}
		data = b
	default:
		return backend.Message{}, fmt.Errorf("unsupported message type %T", raw)
	}
	var m backend.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return backend.Message{}, err
	}
	return m, nil
}

// FlattenPush returns the notification fields of a payload in one map:
// title, subtitle, body, badge and sound, read from the top level or a
// nested "notification" object and nil when absent, plus every other
// top-level entry and the original payload under "raw".
func FlattenPush(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+6)
	for k, v := range payload {
		if k == PushKeyNotification {
			continue
		}
		out[k] = v
	}
	n, _ := payload[PushKeyNotification].(map[string]any)
	for _, k := range []string{"title", "subtitle", "body", "badge", "sound"} {
		if _, set := out[k]; !set {
			out[k] = n[k]
		}
	}
	out["raw"] = maps.Clone(payload)
	return out
}

// ReceivePush hands a delivered push to the client. A carried message is
// added to the inbox, DELIVERED is tracked in the background and push
// listeners are notified. A PushHook plugin may reject the push.
func (c *Client) ReceivePush(ctx context.Context, payload map[string]any) error {
	e, err := c.engine()
	if err != nil {
		return err
	}
	p, err := parsePush(payload, c.logger)
	if err != nil {
		return err
	}
	if err := c.plugins.beforePush(ctx, p); err != nil {
		return err
	}
	c.otel.recordPush(ctx, p.Message != nil)
	if err := e.pushBus.Emit(p); err != nil {
		return ErrNotConnected
	}

	ev := PushReceivedEvent{TrackingURL: p.TrackingURL, ReceivedAt: p.ReceivedAt}
	if p.Message != nil {
		ev.MessageID = p.Message.ID
	}
	publishEvent(e, EventNamePushReceived, e.events.PushReceived, ev)
	return nil
}

// ClickPush reports that the user tapped a push: CLICKED is tracked and
// click listeners are notified. The tracking error, if any, is returned
// after listeners are scheduled.
func (c *Client) ClickPush(ctx context.Context, payload map[string]any) error {
	e, err := c.engine()
	if err != nil {
		return err
	}
	p, err := parsePush(payload, c.logger)
	if err != nil {
		return err
	}
	if err := e.queue.Submit(func(qctx context.Context) {
		broadcast(e, "push_click", e.clickListeners, func(sub *subscriber[PushListener]) {
			sub.fn(qctx, p)
		})
	}); err != nil {
		return ErrNotConnected
	}
	if p.TrackingURL == "" {
		return nil
	}
	return e.tracker.track(ctx, p.TrackingURL, TrackingClicked)
}

// AddPushListener calls fn for every push passed to ReceivePush.
func (c *Client) AddPushListener(ctx context.Context, fn PushListener) (*ListenerHandle, error) {
	if fn == nil {
		return nil, ErrNilListener
	}
	e, err := c.engine()
	if err != nil {
		return nil, err
	}
	return addSubscriber(ctx, e, e.pushListeners, fn, nil)
}

// AddPushClickListener calls fn for every push passed to ClickPush.
func (c *Client) AddPushClickListener(ctx context.Context, fn PushListener) (*ListenerHandle, error) {
	if fn == nil {
		return nil, ErrNilListener
	}
	e, err := c.engine()
	if err != nil {
		return nil, err
	}
	return addSubscriber(ctx, e, e.clickListeners, fn, nil)
}

// Push bus subscribers. They run on the goroutine calling ReceivePush and
// hand work to the queue or to a background call.

func (e *engine) onPushForInbox(p Push) {
	if p.Message == nil {
		return
	}
	m := *p.Message
	if err := e.queue.Submit(func(qctx context.Context) {
		e.insertPush(qctx, m)
	}); err != nil {
		e.logger.Debug("push message dropped, client closing", "message_id", m.ID)
	}
}

func (e *engine) onPushForTracking(p Push) {
	if p.TrackingURL == "" {
		return
	}
	url := p.TrackingURL
	e.spawn(func(ctx context.Context) {
		if err := e.tracker.track(ctx, url, TrackingDelivered); err != nil {
			e.logger.Warn("failed to track delivery", "error", err)
		}
	})
}

func (e *engine) onPushForListeners(p Push) {
	_ = e.queue.Submit(func(qctx context.Context) {
		broadcast(e, "push", e.pushListeners, func(sub *subscriber[PushListener]) {
			sub.fn(qctx, p)
		})
	})
}
