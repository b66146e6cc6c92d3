// Package bus provides pub/sub event distribution over a pluggable
// transport, with a bounded event store for debugging and replay.
//
// Delivery is at-least-once with no deduplication: a reconnecting
// transport may redeliver, and the bus never merges duplicates. Handlers
// with side effects must be idempotent or dedup on the event ID.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
	"github.com/randalmurphal/agentbus/pkg/agentbus/registry"
	"github.com/randalmurphal/agentbus/pkg/agentbus/store"
)

// Options configures a Bus.
type Options struct {
	// Namespace prefixes transport channel names: <namespace>:events:<type>.
	// Default: "agentbus"
	Namespace string

	// Store records published and delivered events. Default: a bounded
	// in-memory store. Set NoStore to disable persistence entirely.
	Store store.Store

	// NoStore disables the event store; the debug API then returns
	// store.ErrNotFound / empty results.
	NoStore bool

	// BufferSize is the per-subscription queue size. Default: 256
	BufferSize int

	// Logger receives handler errors and lifecycle transitions. Nil-safe.
	Logger *slog.Logger

	// Metrics records publish/delivery outcomes. Default: no-op.
	Metrics observability.MetricsRecorder
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Published     int64
	Delivered     int64
	HandlerErrors int64
	Dropped       int64
	Reconnects    int64
	StoredEvents  int
}

// Bus distributes events to subscriptions through a Transport.
type Bus struct {
	opts      Options
	transport Transport
	store     store.Store

	subs *registry.Registry[string, *subscription]

	mu       sync.RWMutex
	byType   map[string]map[string]*subscription
	channels map[string]int // event type -> bus subscription refcount

	published     atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
	dropped       atomic.Int64
	reconnects    atomic.Int64
	closed        atomic.Bool
}

// subscription owns a dispatch queue so one slow handler cannot stall
// delivery to the others.
type subscription struct {
	id      string
	types   []string
	handler event.Handler
	queue   chan *event.Event
	done    chan struct{}
}

// New creates a bus over the given transport.
func New(transport Transport, opts Options) *Bus {
	if opts.Namespace == "" {
		opts.Namespace = "agentbus"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Store == nil && !opts.NoStore {
		opts.Store = store.NewMemory(store.DefaultMaxEvents)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}

	b := &Bus{
		opts:      opts,
		transport: transport,
		store:     opts.Store,
		subs:      registry.New[string, *subscription](),
		byType:    make(map[string]map[string]*subscription),
		channels:  make(map[string]int),
	}

	transport.OnStateChange(func(state State) {
		if state == StateReconnecting {
			b.reconnects.Add(1)
		}
		observability.LogTransportState(b.opts.Logger, string(state))
	})

	return b
}

// channel returns the transport channel name for an event type.
func (b *Bus) channel(eventType string) string {
	return fmt.Sprintf("%s:events:%s", b.opts.Namespace, eventType)
}

// Publish constructs an event and forwards it to the transport. It fails
// fast with a ConnectionError while the transport is not connected; events
// are never buffered during outages.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, opts ...event.Option) (string, error) {
	evt := event.New(eventType, payload, opts...)
	if err := b.PublishEvent(ctx, evt); err != nil {
		return "", err
	}
	return evt.ID, nil
}

// PublishEvent forwards a pre-built event, for republishing derived or
// dead-lettered events without minting a new identity.
func (b *Bus) PublishEvent(ctx context.Context, evt *event.Event) error {
	if b.closed.Load() {
		return &buserrors.ConnectionError{State: string(StateDisconnected)}
	}
	if state := b.transport.State(); state != StateConnected {
		b.opts.Metrics.RecordPublish(ctx, evt.Type, fmt.Errorf("not connected"))
		return &buserrors.ConnectionError{State: string(state)}
	}

	if b.store != nil {
		if err := b.store.Append(evt); err != nil {
			observability.LogStoreError(b.opts.Logger, evt.ID, err)
		}
	}

	data, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.ID, err)
	}

	if err := b.transport.Publish(b.channel(evt.Type), data); err != nil {
		b.opts.Metrics.RecordPublish(ctx, evt.Type, err)
		return err
	}

	b.published.Add(1)
	b.opts.Metrics.RecordPublish(ctx, evt.Type, nil)
	return nil
}

// SubscribeOption adjusts a single subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	queueSize int
}

// WithQueueSize overrides the bus-wide BufferSize for one subscription.
// Useful for slow handlers that need a deeper queue before drops start.
func WithQueueSize(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.queueSize = n
	}
}

// Subscribe registers a handler for the given event types and returns the
// subscription ID.
func (b *Bus) Subscribe(types []string, handler event.Handler, opts ...SubscribeOption) (string, error) {
	if len(types) == 0 {
		return "", &buserrors.ValidationError{
			Subject:    "subscription",
			Violations: []string{"at least one event type is required"},
		}
	}
	if handler == nil {
		return "", &buserrors.ValidationError{
			Subject:    "subscription",
			Violations: []string{"handler is required"},
		}
	}

	cfg := subscribeConfig{queueSize: b.opts.BufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = b.opts.BufferSize
	}

	sub := &subscription{
		id:      uuid.New().String(),
		types:   types,
		handler: handler,
		queue:   make(chan *event.Event, cfg.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	for _, t := range types {
		if b.byType[t] == nil {
			b.byType[t] = make(map[string]*subscription)
		}
		b.byType[t][sub.id] = sub

		b.channels[t]++
		if b.channels[t] == 1 {
			eventType := t
			if err := b.transport.Subscribe(b.channel(t), func(data []byte) {
				b.inbound(eventType, data)
			}); err != nil {
				b.removeLocked(sub)
				b.mu.Unlock()
				return "", err
			}
		}
	}
	b.mu.Unlock()

	b.subs.Register(sub.id, sub)
	go b.dispatch(sub)

	return sub.id, nil
}

// Unsubscribe removes a subscription and releases its transport channels.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	sub, ok := b.subs.Get(subscriptionID)
	if !ok {
		return &buserrors.NotFoundError{Kind: "subscription", ID: subscriptionID}
	}

	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()

	b.subs.Delete(sub.id)
	close(sub.done)
	return nil
}

// removeLocked detaches a subscription from the dispatch table and drops
// transport channels with no remaining subscribers. Caller holds b.mu.
func (b *Bus) removeLocked(sub *subscription) {
	for _, t := range sub.types {
		if typeSubs, ok := b.byType[t]; ok {
			if _, present := typeSubs[sub.id]; !present {
				continue
			}
			delete(typeSubs, sub.id)
			if len(typeSubs) == 0 {
				delete(b.byType, t)
			}
			b.channels[t]--
			if b.channels[t] <= 0 {
				delete(b.channels, t)
				_ = b.transport.Unsubscribe(b.channel(t))
			}
		}
	}
}

// inbound handles a raw transport message: decode, record, fan out.
// Enqueueing is non-blocking; a full subscription queue drops the event
// and counts it rather than stalling the transport.
func (b *Bus) inbound(eventType string, data []byte) {
	evt, err := event.Decode(data)
	if err != nil {
		observability.LogDecodeError(b.opts.Logger, eventType, err)
		return
	}

	if b.store != nil {
		if err := b.store.Append(evt); err != nil {
			observability.LogStoreError(b.opts.Logger, evt.ID, err)
		}
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.byType[evt.Type]))
	for _, sub := range b.byType[evt.Type] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- evt:
		default:
			b.dropped.Add(1)
			observability.LogEventDropped(b.opts.Logger, evt.ID, sub.id)
		}
	}
}

// dispatch drains one subscription's queue. Handler errors and panics are
// counted and logged, never propagated to the transport.
func (b *Bus) dispatch(sub *subscription) {
	for {
		select {
		case evt := <-sub.queue:
			start := time.Now()
			err := b.invoke(sub, evt)
			b.delivered.Add(1)
			b.opts.Metrics.RecordDelivery(context.Background(), evt.Type, time.Since(start), err)
			if err != nil {
				b.handlerErrors.Add(1)
				observability.LogHandlerError(b.opts.Logger, evt.ID, sub.id, err)
			}
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(sub *subscription, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(context.Background(), evt)
}

// GetEvent returns a stored event by ID.
func (b *Bus) GetEvent(id string) (*event.Event, error) {
	if b.store == nil {
		return nil, store.ErrNotFound
	}
	return b.store.Get(id)
}

// EventsByCorrelation returns stored events sharing a correlation ID.
func (b *Bus) EventsByCorrelation(correlationID string) ([]*event.Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.ByCorrelation(correlationID)
}

// EventsByType returns stored events of a type.
func (b *Bus) EventsByType(eventType string) ([]*event.Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.ByType(eventType)
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	stored := 0
	if b.store != nil {
		stored, _ = b.store.Len()
	}
	return Metrics{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Dropped:       b.dropped.Load(),
		Reconnects:    b.reconnects.Load(),
		StoredEvents:  stored,
	}
}

// Close stops all subscriptions. The transport and store are owned by the
// caller and are not closed here.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, id := range b.subs.Keys() {
		_ = b.Unsubscribe(id)
	}
	return nil
}
