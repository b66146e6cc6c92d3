package router_test

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/bus"
	rterrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/router"
)

func newTestRouter(t *testing.T) (*router.Router, *bus.Bus) {
	t.Helper()
	transport := bus.NewLocalTransport()
	b := bus.New(transport, bus.Options{})
	r := router.New(b, router.Options{BaseDelay: time.Millisecond})
	t.Cleanup(func() {
		_ = r.Close()
		_ = b.Close()
		_ = transport.Close()
	})
	return r, b
}

func waitFor(t *testing.T, ch <-chan *event.Event) *event.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func expectSilence(t *testing.T, ch <-chan *event.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected delivery of %s", evt.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouteDelivery(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{}); err != nil {
		t.Fatalf("add route failed: %v", err)
	}

	id, err := b.Publish(context.Background(), "task.created", nil)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	evt := waitFor(t, received)
	if evt.ID != id {
		t.Errorf("expected event %s, got %s", id, evt.ID)
	}
}

func TestPriorityOrdering(t *testing.T) {
	r, b := newTestRouter(t)

	var mu sync.Mutex
	var order []string
	done := make(chan *event.Event, 1)

	handler := func(name string) event.Handler {
		return func(_ context.Context, evt *event.Event) error {
			mu.Lock()
			order = append(order, name)
			finished := len(order) == 3
			mu.Unlock()
			if finished {
				done <- evt
			}
			return nil
		}
	}

	// Registered low, high, mid; must run high, mid, low.
	if _, err := r.AddRoute([]string{"task.created"}, handler("low"), router.RouteOptions{Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddRoute([]string{"task.created"}, handler("high"), router.RouteOptions{Priority: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddRoute([]string{"task.created"}, handler("mid"), router.RouteOptions{Priority: 5}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid", "low"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestRouteFilterDrops(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{
		Filter: func(evt *event.Event) bool {
			return evt.Metadata.Priority > 0
		},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, received)

	if _, err := b.Publish(context.Background(), "task.created", nil, event.WithPriority(1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, received)

	if m := r.Metrics(); m.Filtered != 1 {
		t.Errorf("expected 1 filtered, got %d", m.Filtered)
	}
}

func TestGlobalFilter(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{}); err != nil {
		t.Fatal(err)
	}

	r.AddFilter("internal-only", func(evt *event.Event) bool {
		return evt.Source != "external"
	})

	if _, err := b.Publish(context.Background(), "task.created", nil, event.WithSource("external")); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, received)
}

func TestTransformOrder(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{
		// Route transform runs first
		Transform: func(evt *event.Event) *event.Event {
			out := evt.Clone()
			out.Payload = "route"
			return out
		},
	}); err != nil {
		t.Fatal(err)
	}

	r.AddTransformer("suffix", func(evt *event.Event) *event.Event {
		out := evt.Clone()
		out.Payload = out.Payload.(string) + "+global"
		return out
	})

	if _, err := b.Publish(context.Background(), "task.created", "original"); err != nil {
		t.Fatal(err)
	}

	evt := waitFor(t, received)
	if evt.Payload != "route+global" {
		t.Errorf("expected route+global, got %v", evt.Payload)
	}
	if m := r.Metrics(); m.Transformed != 1 {
		t.Errorf("expected 1 transformed, got %d", m.Transformed)
	}
}

func TestMiddlewareVeto(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{}); err != nil {
		t.Fatal(err)
	}

	r.Use(func(_ context.Context, evt *event.Event) (*event.Event, error) {
		if evt.Source == "blocked" {
			return nil, nil
		}
		return evt, nil
	})

	if _, err := b.Publish(context.Background(), "task.created", nil, event.WithSource("blocked")); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, received)

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, received)
}

func TestMiddlewareReplacesEvent(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{}); err != nil {
		t.Fatal(err)
	}

	r.Use(func(_ context.Context, evt *event.Event) (*event.Event, error) {
		out := evt.Clone()
		out.Metadata.Extra = map[string]any{"enriched": true}
		return out, nil
	})

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}

	evt := waitFor(t, received)
	if evt.Metadata.Extra["enriched"] != true {
		t.Errorf("expected middleware enrichment, got %v", evt.Metadata.Extra)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	const baseDelay = 25 * time.Millisecond

	transport := bus.NewLocalTransport()
	b := bus.New(transport, bus.Options{})
	r := router.New(b, router.Options{BaseDelay: baseDelay})
	t.Cleanup(func() {
		_ = r.Close()
		_ = b.Close()
		_ = transport.Close()
	})

	var attempts atomic.Int64
	var retryCounts []int
	var attemptTimes []time.Time
	var mu sync.Mutex
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		attempts.Add(1)
		mu.Lock()
		retryCounts = append(retryCounts, evt.Metadata.RetryCount)
		attemptTimes = append(attemptTimes, time.Now())
		mu.Unlock()
		return goerrors.New("handler down")
	}, router.RouteOptions{Retry: true, MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}

	dlq := make(chan *event.Event, 1)
	if _, err := b.Subscribe([]string{"dlq.task.created"}, func(_ context.Context, evt *event.Event) error {
		dlq <- evt
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	id, err := b.Publish(context.Background(), "task.created", nil)
	if err != nil {
		t.Fatal(err)
	}

	failed := waitFor(t, dlq)

	// One initial attempt plus exactly three retries
	if n := attempts.Load(); n != 4 {
		t.Errorf("expected 4 attempts, got %d", n)
	}
	mu.Lock()
	wantCounts := []int{0, 1, 2, 3}
	for i, want := range wantCounts {
		if retryCounts[i] != want {
			t.Errorf("attempt %d: expected retry count %d, got %d", i, want, retryCounts[i])
		}
	}

	// Linear backoff: each gap waits base*(retryCount+1), so the gaps
	// between attempts grow strictly
	var gaps []time.Duration
	for i := 1; i < len(attemptTimes); i++ {
		gaps = append(gaps, attemptTimes[i].Sub(attemptTimes[i-1]))
	}
	mu.Unlock()
	for i, gap := range gaps {
		want := baseDelay * time.Duration(i+1)
		if gap < want {
			t.Errorf("retry %d fired after %v, expected at least %v", i+1, gap, want)
		}
		if i > 0 && gap <= gaps[i-1] {
			t.Errorf("retry %d gap %v not greater than previous gap %v", i+1, gap, gaps[i-1])
		}
	}

	// The dead-letter event carries failure metadata and the original chain
	if failed.Type != "dlq.task.created" {
		t.Errorf("expected dlq.task.created, got %s", failed.Type)
	}
	if failed.Metadata.Extra["original_event_id"] != id {
		t.Errorf("expected original event ID %s, got %v", id, failed.Metadata.Extra["original_event_id"])
	}
	if failed.Metadata.Extra["error"] == nil {
		t.Error("expected error metadata on dead-letter event")
	}

	m := r.Metrics()
	if m.Retried != 3 {
		t.Errorf("expected 3 retries, got %d", m.Retried)
	}
	if m.DeadLettered != 1 {
		t.Errorf("expected 1 dead-lettered, got %d", m.DeadLettered)
	}
}

func TestNoRetryGoesStraightToDeadLetter(t *testing.T) {
	r, b := newTestRouter(t)

	var attempts atomic.Int64
	if _, err := r.AddRoute([]string{"task.created"}, func(context.Context, *event.Event) error {
		attempts.Add(1)
		return goerrors.New("handler down")
	}, router.RouteOptions{}); err != nil {
		t.Fatal(err)
	}

	dlq := make(chan *event.Event, 1)
	if _, err := b.Subscribe([]string{"dlq.task.created"}, func(_ context.Context, evt *event.Event) error {
		dlq <- evt
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, dlq)

	if n := attempts.Load(); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}

func TestRetrySucceedsBeforeExhaustion(t *testing.T) {
	r, b := newTestRouter(t)

	var attempts atomic.Int64
	done := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		if attempts.Add(1) < 3 {
			return goerrors.New("transient")
		}
		done <- evt
		return nil
	}, router.RouteOptions{Retry: true, MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, done)

	if m := r.Metrics(); m.DeadLettered != 0 {
		t.Errorf("expected no dead-letters after recovery, got %d", m.DeadLettered)
	}
}

func TestExpiredEventDropped(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	if _, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{}); err != nil {
		t.Fatal(err)
	}

	stale := event.New("task.created", nil,
		event.WithTTL(time.Millisecond),
		event.WithTimestamp(time.Now().Add(-time.Second)),
	)
	if err := b.PublishEvent(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, received)
}

func TestRemoveRoute(t *testing.T) {
	r, b := newTestRouter(t)

	received := make(chan *event.Event, 1)
	routeID, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, router.RouteOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveRoute(routeID); err != nil {
		t.Fatalf("remove route failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, received)

	var notFound *rterrors.NotFoundError
	if err := r.RemoveRoute("nonexistent"); !goerrors.As(err, &notFound) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestAddRouteValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	var valErr *rterrors.ValidationError
	if _, err := r.AddRoute(nil, func(context.Context, *event.Event) error { return nil }, router.RouteOptions{}); !goerrors.As(err, &valErr) {
		t.Errorf("expected ValidationError for empty types, got %v", err)
	}
	if _, err := r.AddRoute([]string{"task.created"}, nil, router.RouteOptions{}); !goerrors.As(err, &valErr) {
		t.Errorf("expected ValidationError for nil handler, got %v", err)
	}
}

func TestRouteMetrics(t *testing.T) {
	r, b := newTestRouter(t)

	done := make(chan *event.Event, 2)
	routeID, err := r.AddRoute([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		done <- evt
		if evt.Metadata.Priority > 0 {
			return goerrors.New("boom")
		}
		return nil
	}, router.RouteOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(context.Background(), "task.created", nil, event.WithPriority(1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, done)
	waitFor(t, done)

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := r.RouteMetrics(routeID)
		if err != nil {
			t.Fatal(err)
		}
		if m.Handled == 2 {
			if m.Errors != 1 {
				t.Errorf("expected 1 error, got %d", m.Errors)
			}
			if m.LastHandledAt.IsZero() {
				t.Error("expected last handled timestamp to be set")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 handled, got %d", m.Handled)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.RouteMetrics("nonexistent"); err == nil {
		t.Error("expected error for unknown route")
	}
}
