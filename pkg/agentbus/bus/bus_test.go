package bus_test

import (
	"context"
	goerrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/bus"
	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

func newTestBus(t *testing.T) (*bus.Bus, *bus.LocalTransport) {
	t.Helper()
	transport := bus.NewLocalTransport()
	b := bus.New(transport, bus.Options{})
	t.Cleanup(func() {
		_ = b.Close()
		_ = transport.Close()
	})
	return b, transport
}

// waitFor blocks until ch receives or the 2s deadline passes.
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

func TestPublishSubscribeRoundtrip(t *testing.T) {
	b, _ := newTestBus(t)

	received := make(chan *event.Event, 1)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	id, err := b.Publish(context.Background(), "task.created", map[string]any{"name": "build"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	evt := waitFor(t, received)
	if evt.ID != id {
		t.Errorf("expected event %s, got %s", id, evt.ID)
	}
	if evt.Type != "task.created" {
		t.Errorf("expected type task.created, got %s", evt.Type)
	}
	// Payload crossed the wire as JSON
	payload, ok := evt.Payload.(map[string]any)
	if !ok || payload["name"] != "build" {
		t.Errorf("unexpected payload %v", evt.Payload)
	}
}

func TestSubscriberOnlySeesItsTypes(t *testing.T) {
	b, _ := newTestBus(t)

	var deliveries atomic.Int64
	done := make(chan *event.Event, 2)
	if _, err := b.Subscribe([]string{"task.completed"}, func(_ context.Context, evt *event.Event) error {
		deliveries.Add(1)
		done <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "task.completed", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	evt := waitFor(t, done)
	if evt.Type != "task.completed" {
		t.Errorf("expected task.completed, got %s", evt.Type)
	}
	if n := deliveries.Load(); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b, _ := newTestBus(t)

	first := make(chan *event.Event, 1)
	second := make(chan *event.Event, 1)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		first <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		second <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, first)
	waitFor(t, second)
}

func TestDistinctCorrelationChains(t *testing.T) {
	b, _ := newTestBus(t)

	received := make(chan *event.Event, 2)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	a := waitFor(t, received)
	c := waitFor(t, received)
	if a.CorrelationID == c.CorrelationID {
		t.Error("expected unrelated publishes to land in distinct correlation chains")
	}
}

func TestPublishFailsFastWhileDisconnected(t *testing.T) {
	b, transport := newTestBus(t)
	transport.SetConnected(false)

	_, err := b.Publish(context.Background(), "task.created", nil)
	var connErr *buserrors.ConnectionError
	if !goerrors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.State != string(bus.StateReconnecting) {
		t.Errorf("expected reconnecting state, got %s", connErr.State)
	}

	// Nothing is buffered during the outage
	transport.SetConnected(true)
	received := make(chan *event.Event, 1)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	select {
	case evt := <-received:
		t.Errorf("expected no replay of failed publish, got %s", evt.ID)
	case <-time.After(50 * time.Millisecond):
	}

	if b.Metrics().Reconnects != 1 {
		t.Errorf("expected 1 reconnect transition, got %d", b.Metrics().Reconnects)
	}
}

func TestSubscribeValidation(t *testing.T) {
	b, _ := newTestBus(t)

	var valErr *buserrors.ValidationError
	if _, err := b.Subscribe(nil, func(context.Context, *event.Event) error { return nil }); !goerrors.As(err, &valErr) {
		t.Errorf("expected ValidationError for empty types, got %v", err)
	}
	if _, err := b.Subscribe([]string{"task.created"}, nil); !goerrors.As(err, &valErr) {
		t.Errorf("expected ValidationError for nil handler, got %v", err)
	}
}

func TestSubscribeQueueSizeOverride(t *testing.T) {
	b, _ := newTestBus(t)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, _ *event.Event) error {
		started <- struct{}{}
		<-block
		return nil
	}, bus.WithQueueSize(1)); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// First event occupies the handler, second fills the queue of one,
	// third has nowhere to go and is dropped.
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	<-started

	deadline := time.Now().Add(2 * time.Second)
	for b.Metrics().Dropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a dropped event for the full queue")
		}
		time.Sleep(time.Millisecond)
	}
	close(block)
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBus(t)

	received := make(chan *event.Event, 1)
	subID, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Unsubscribe(subID); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
		t.Error("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	// Unknown subscription
	var notFound *buserrors.NotFoundError
	if err := b.Unsubscribe("nonexistent"); !goerrors.As(err, &notFound) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	b, _ := newTestBus(t)

	received := make(chan *event.Event, 2)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		panic("handler bug")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	// Both events delivered despite the first panic
	waitFor(t, received)
	waitFor(t, received)

	deadline := time.Now().Add(2 * time.Second)
	for b.Metrics().HandlerErrors < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 handler errors, got %d", b.Metrics().HandlerErrors)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebugAPI(t *testing.T) {
	b, _ := newTestBus(t)

	rootID, err := b.Publish(context.Background(), "task.created", nil)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	root, err := b.GetEvent(rootID)
	if err != nil {
		t.Fatalf("expected stored event, got %v", err)
	}

	if _, err := b.Publish(context.Background(), "task.started", nil,
		event.WithCorrelationID(root.CorrelationID)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	chain, err := b.EventsByCorrelation(root.CorrelationID)
	if err != nil {
		t.Fatalf("correlation query failed: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("expected 2 events in chain, got %d", len(chain))
	}

	byType, err := b.EventsByType("task.created")
	if err != nil {
		t.Fatalf("type query failed: %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("expected 1 task.created event, got %d", len(byType))
	}
}

func TestNoStoreDisablesDebugAPI(t *testing.T) {
	transport := bus.NewLocalTransport()
	b := bus.New(transport, bus.Options{NoStore: true})
	defer b.Close()
	defer transport.Close()

	id, err := b.Publish(context.Background(), "task.created", nil)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := b.GetEvent(id); err == nil {
		t.Error("expected lookup to fail with no store")
	}
}

func TestMetricsCounters(t *testing.T) {
	b, _ := newTestBus(t)

	received := make(chan *event.Event, 1)
	if _, err := b.Subscribe([]string{"task.created"}, func(_ context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "task.created", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, received)

	deadline := time.Now().Add(2 * time.Second)
	for b.Metrics().Delivered < 1 {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	m := b.Metrics()
	if m.Published != 1 {
		t.Errorf("expected 1 published, got %d", m.Published)
	}
	if m.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", m.Delivered)
	}
	if m.StoredEvents != 1 {
		t.Errorf("expected 1 stored event, got %d", m.StoredEvents)
	}
}

func TestPublishAfterClose(t *testing.T) {
	transport := bus.NewLocalTransport()
	b := bus.New(transport, bus.Options{})
	_ = b.Close()

	_, err := b.Publish(context.Background(), "task.created", nil)
	var connErr *buserrors.ConnectionError
	if !goerrors.As(err, &connErr) {
		t.Errorf("expected ConnectionError after close, got %v", err)
	}
}
