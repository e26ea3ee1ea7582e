package courier

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/rbaliyan/courier/backend"
)

// TrackingEvent is the kind of engagement reported to a tracking URL.
type TrackingEvent = backend.TrackingEvent

// Tracking events.
const (
	TrackingDelivered = backend.TrackingDelivered
	TrackingClicked   = backend.TrackingClicked
	TrackingOpened    = backend.TrackingOpened
	TrackingRead      = backend.TrackingRead
	TrackingUnread    = backend.TrackingUnread
)

// tracker posts tracking events at most once per (url, kind). Identical
// concurrent calls share one post; successes are remembered, failures are
// not.
type tracker struct {
	ctx     context.Context
	backend backend.TrackingService
	otel    *otelInstrumentation
	timeout time.Duration

	sem   *semaphore.Weighted
	slots int64
	group singleflight.Group
	done  sync.Map // trackingKey -> struct{}
}

func newTracker(ctx context.Context, svc backend.TrackingService, opts *options, otelInst *otelInstrumentation) *tracker {
	return &tracker{
		ctx:     ctx,
		backend: svc,
		otel:    otelInst,
		timeout: opts.requestTimeout,
		sem:     semaphore.NewWeighted(int64(opts.maxConcurrentTracking)),
		slots:   int64(opts.maxConcurrentTracking),
	}
}

func trackingKey(url string, kind TrackingEvent) string {
	return string(kind) + " " + url
}

// track posts kind to url unless it already succeeded. The post runs on
// the client's context, so a caller giving up does not cancel it for other
// callers sharing the flight.
func (t *tracker) track(ctx context.Context, url string, kind TrackingEvent) error {
	key := trackingKey(url, kind)
	if _, ok := t.done.Load(key); ok {
		return nil
	}
	ch := t.group.DoChan(key, func() (any, error) {
		return nil, t.post(url, kind, key)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tracker) post(url string, kind TrackingEvent, key string) error {
	if _, ok := t.done.Load(key); ok {
		return nil
	}
	if err := t.sem.Acquire(t.ctx, 1); err != nil {
		return ErrNotConnected
	}
	defer t.sem.Release(1)

	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()
	ctx, end := t.otel.startSpan(ctx, "courier.track",
		attribute.String("event", string(kind)),
	)
	start := time.Now()
	err := t.backend.PostTrackingURL(ctx, url, kind)
	end(err)
	t.otel.recordTrack(ctx, time.Since(start), string(kind), err)
	if err != nil {
		return err
	}
	t.done.Store(key, struct{}{})
	return nil
}

// wait blocks until no post is running.
func (t *tracker) wait(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, t.slots); err != nil {
		return err
	}
	t.sem.Release(t.slots)
	return nil
}

// Track reports an engagement event to a tracking URL carried by a push.
// Each (url, kind) pair is posted at most once successfully; repeats return
// nil without a remote call.
func (c *Client) Track(ctx context.Context, trackingURL string, kind TrackingEvent) error {
	if err := validateTrackingURL(trackingURL); err != nil {
		return err
	}
	e, err := c.engine()
	if err != nil {
		return err
	}
	return e.tracker.track(ctx, trackingURL, kind)
}
