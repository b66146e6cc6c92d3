// Package router binds event types to handlers and owns the delivery
// pipeline: middleware, filters, transformers, retry with linear backoff,
// and dead-letter forwarding.
//
// Pipeline order per inbound event: middleware chain (first veto stops
// processing), then per matching route: route filter, global filters,
// route transform, global transformers, handler. Filter drops are counted
// and never retried. Handler failures retry sequentially with delays of
// baseDelay*(retryCount+1) up to the route's MaxRetries, then the original
// event is published to <dlqPrefix>.<type> with failure metadata.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/agentbus/pkg/agentbus/bus"
	rterrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// Filter decides whether an event proceeds. Returning false drops the
// event for that route; dropped events are counted, never retried.
type Filter func(evt *event.Event) bool

// Transformer maps an event to a replacement event. Returning nil keeps
// the input unchanged.
type Transformer func(evt *event.Event) *event.Event

// Middleware runs before any filtering. It may veto by returning
// (nil, nil), replace the event by returning a new one, or fail the
// delivery with an error.
type Middleware func(ctx context.Context, evt *event.Event) (*event.Event, error)

// RouteOptions configures one route.
type RouteOptions struct {
	// Priority orders routes competing for the same event type,
	// highest first.
	Priority int

	// Filter is the route's own predicate, applied before global filters.
	Filter Filter

	// Transform is the route's own mapper, applied before global
	// transformers.
	Transform Transformer

	// Retry enables redelivery on handler failure. Disabled, a failing
	// delivery goes straight to the dead-letter channel.
	Retry bool

	// MaxRetries bounds redelivery attempts. Default: 3 when Retry is set.
	MaxRetries int
}

// RouteMetrics is a snapshot of one route's counters.
type RouteMetrics struct {
	Handled       int64
	Errors        int64
	LastHandledAt time.Time
}

// Route binds event types to a handler.
type Route struct {
	id      string
	types   []string
	handler event.Handler
	opts    RouteOptions

	mu            sync.Mutex
	handled       int64
	errors        int64
	lastHandledAt time.Time
}

// ID returns the route's identifier.
func (r *Route) ID() string { return r.id }

// Metrics returns a snapshot of the route's counters.
func (r *Route) Metrics() RouteMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RouteMetrics{
		Handled:       r.handled,
		Errors:        r.errors,
		LastHandledAt: r.lastHandledAt,
	}
}

func (r *Route) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled++
	if err != nil {
		r.errors++
	}
	r.lastHandledAt = time.Now()
}

// EventBus is the bus surface the router needs. *bus.Bus satisfies it.
type EventBus interface {
	Subscribe(types []string, handler event.Handler, opts ...bus.SubscribeOption) (string, error)
	Unsubscribe(subscriptionID string) error
	PublishEvent(ctx context.Context, evt *event.Event) error
}

// Options configures a Router.
type Options struct {
	// BaseDelay is the unit of the linear backoff. Default: 1s
	BaseDelay time.Duration

	// DLQPrefix prefixes dead-letter event types. Default: "dlq"
	DLQPrefix string

	// Logger receives retry and dead-letter activity. Nil-safe.
	Logger *slog.Logger

	// Metrics records routing outcomes. Default: no-op.
	Metrics observability.MetricsRecorder

	// Spans traces route deliveries. Default: no-op.
	Spans observability.SpanManager
}

// Metrics is a snapshot of the router's global counters.
type Metrics struct {
	Routed       int64
	Filtered     int64
	Transformed  int64
	Failed       int64
	Retried      int64
	DeadLettered int64
}

type namedFilter struct {
	name string
	fn   Filter
}

type namedTransformer struct {
	name string
	fn   Transformer
}

// Router dispatches bus events through routes.
type Router struct {
	bus  EventBus
	opts Options

	mu           sync.RWMutex
	routes       map[string]*Route
	byType       map[string][]*Route // sorted by priority, highest first
	subs         map[string]string   // event type -> bus subscription ID
	filters      []namedFilter
	transformers []namedTransformer
	middleware   []Middleware

	routed       atomic.Int64
	filtered     atomic.Int64
	transformed  atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// New creates a router over the given bus.
func New(eventBus EventBus, opts Options) *Router {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 1 * time.Second
	}
	if opts.DLQPrefix == "" {
		opts.DLQPrefix = "dlq"
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	if opts.Spans == nil {
		opts.Spans = observability.NoopSpanManager{}
	}

	return &Router{
		bus:    eventBus,
		opts:   opts,
		routes: make(map[string]*Route),
		byType: make(map[string][]*Route),
		subs:   make(map[string]string),
	}
}

// AddRoute binds event types to a handler and returns the route ID.
func (r *Router) AddRoute(types []string, handler event.Handler, opts RouteOptions) (string, error) {
	if len(types) == 0 {
		return "", &rterrors.ValidationError{
			Subject:    "route",
			Violations: []string{"at least one event type is required"},
		}
	}
	if handler == nil {
		return "", &rterrors.ValidationError{
			Subject:    "route",
			Violations: []string{"handler is required"},
		}
	}
	if opts.Retry && opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	route := &Route{
		id:      uuid.New().String(),
		types:   types,
		handler: handler,
		opts:    opts,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[route.id] = route
	for _, t := range types {
		r.byType[t] = insertByPriority(r.byType[t], route)

		if _, subscribed := r.subs[t]; !subscribed {
			subID, err := r.bus.Subscribe([]string{t}, r.dispatch)
			if err != nil {
				r.removeLocked(route)
				return "", err
			}
			r.subs[t] = subID
		}
	}

	return route.id, nil
}

// insertByPriority keeps routes ordered highest priority first, insertion
// order within equal priorities.
func insertByPriority(routes []*Route, route *Route) []*Route {
	for i, existing := range routes {
		if route.opts.Priority > existing.opts.Priority {
			routes = append(routes, nil)
			copy(routes[i+1:], routes[i:])
			routes[i] = route
			return routes
		}
	}
	return append(routes, route)
}

// RemoveRoute unbinds a route, releasing bus subscriptions for event types
// no other route handles.
func (r *Router) RemoveRoute(routeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.routes[routeID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "route", ID: routeID}
	}
	r.removeLocked(route)
	return nil
}

func (r *Router) removeLocked(route *Route) {
	delete(r.routes, route.id)
	for _, t := range route.types {
		remaining := r.byType[t][:0]
		for _, candidate := range r.byType[t] {
			if candidate.id != route.id {
				remaining = append(remaining, candidate)
			}
		}
		if len(remaining) == 0 {
			delete(r.byType, t)
			if subID, ok := r.subs[t]; ok {
				delete(r.subs, t)
				_ = r.bus.Unsubscribe(subID)
			}
		} else {
			r.byType[t] = remaining
		}
	}
}

// AddFilter registers a global predicate applied to every routed event.
func (r *Router) AddFilter(name string, fn Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, namedFilter{name: name, fn: fn})
}

// AddTransformer registers a global mapper applied to every routed event,
// in registration order.
func (r *Router) AddTransformer(name string, fn Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers = append(r.transformers, namedTransformer{name: name, fn: fn})
}

// Use appends middleware to the ordered pipeline run before any filtering.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// dispatch is the bus handler for every type the router subscribes to.
func (r *Router) dispatch(ctx context.Context, evt *event.Event) error {
	if evt.Expired(time.Now()) {
		r.filtered.Add(1)
		r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeFiltered)
		return nil
	}

	r.mu.RLock()
	middleware := make([]Middleware, len(r.middleware))
	copy(middleware, r.middleware)
	filters := make([]namedFilter, len(r.filters))
	copy(filters, r.filters)
	transformers := make([]namedTransformer, len(r.transformers))
	copy(transformers, r.transformers)
	routes := make([]*Route, len(r.byType[evt.Type]))
	copy(routes, r.byType[evt.Type])
	r.mu.RUnlock()

	// Middleware chain runs once per event, before any route.
	current := evt.Clone()
	for _, mw := range middleware {
		next, err := mw(ctx, current)
		if err != nil {
			r.failed.Add(1)
			r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeFailed)
			return nil
		}
		if next == nil {
			// Veto: dropped, no further processing
			r.filtered.Add(1)
			r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeFiltered)
			return nil
		}
		current = next
	}

	for _, route := range routes {
		r.deliver(ctx, route, current, filters, transformers)
	}
	return nil
}

// deliver runs one route's pipeline for one event.
func (r *Router) deliver(
	ctx context.Context,
	route *Route,
	evt *event.Event,
	filters []namedFilter,
	transformers []namedTransformer,
) {
	if route.opts.Filter != nil && !route.opts.Filter(evt) {
		r.filtered.Add(1)
		r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeFiltered)
		return
	}
	for _, f := range filters {
		if !f.fn(evt) {
			r.filtered.Add(1)
			r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeFiltered)
			return
		}
	}

	delivered := evt.Clone()
	transformed := false
	if route.opts.Transform != nil {
		if next := route.opts.Transform(delivered); next != nil {
			delivered = next
			transformed = true
		}
	}
	for _, t := range transformers {
		if next := t.fn(delivered); next != nil {
			delivered = next
			transformed = true
		}
	}
	if transformed {
		r.transformed.Add(1)
		r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeTransformed)
	}

	err := r.invoke(ctx, route, delivered)
	route.record(err)
	if err == nil {
		r.routed.Add(1)
		r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeRouted)
		return
	}

	// Retries for one delivery are sequential: wait, then retry, carrying
	// an incremented retry count. The backoff is linear in the count.
	if route.opts.Retry {
		for delivered.Metadata.RetryCount < route.opts.MaxRetries {
			delay := r.opts.BaseDelay * time.Duration(delivered.Metadata.RetryCount+1)
			observability.LogRetryScheduled(r.opts.Logger, delivered.ID, route.id,
				delivered.Metadata.RetryCount+1, float64(delay.Milliseconds()))

			select {
			case <-ctx.Done():
				r.deadLetter(ctx, route, evt, ctx.Err())
				return
			case <-time.After(delay):
			}

			delivered = delivered.Clone()
			delivered.Metadata.RetryCount++
			r.retried.Add(1)
			r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeRetried)

			err = r.invoke(ctx, route, delivered)
			route.record(err)
			if err == nil {
				r.routed.Add(1)
				r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeRouted)
				return
			}
		}
	}

	r.failed.Add(1)
	r.opts.Metrics.RecordRouteOutcome(ctx, evt.Type, observability.OutcomeFailed)
	r.deadLetter(ctx, route, evt, err)
}

// invoke runs the route handler inside a trace span.
func (r *Router) invoke(ctx context.Context, route *Route, evt *event.Event) error {
	spanCtx, span := r.opts.Spans.StartRouteSpan(ctx, evt.Type, route.id)
	err := route.handler(spanCtx, evt)
	r.opts.Spans.EndSpanWithError(span, err)
	return err
}

// deadLetter publishes the original event to the dead-letter channel with
// failure metadata attached.
func (r *Router) deadLetter(ctx context.Context, route *Route, original *event.Event, cause error) {
	failed := event.NewFromParent(original, r.opts.DLQPrefix+"."+original.Type, original,
		event.WithMeta("error", cause.Error()),
		event.WithMeta("failed_at", time.Now().UTC().Format(time.RFC3339Nano)),
		event.WithMeta("route_id", route.id),
		event.WithMeta("original_event_id", original.ID),
	)

	if err := r.bus.PublishEvent(ctx, failed); err != nil {
		observability.LogDeadLettered(r.opts.Logger, original.ID, route.id, err)
		return
	}

	r.deadLettered.Add(1)
	r.opts.Metrics.RecordRouteOutcome(ctx, original.Type, observability.OutcomeDeadLettered)
	observability.LogDeadLettered(r.opts.Logger, original.ID, route.id, cause)
}

// RouteMetrics returns the counters for one route.
func (r *Router) RouteMetrics(routeID string) (RouteMetrics, error) {
	r.mu.RLock()
	route, ok := r.routes[routeID]
	r.mu.RUnlock()

	if !ok {
		return RouteMetrics{}, &rterrors.NotFoundError{Kind: "route", ID: routeID}
	}
	return route.Metrics(), nil
}

// Metrics returns a snapshot of the router's global counters.
func (r *Router) Metrics() Metrics {
	return Metrics{
		Routed:       r.routed.Load(),
		Filtered:     r.filtered.Load(),
		Transformed:  r.transformed.Load(),
		Failed:       r.failed.Load(),
		Retried:      r.retried.Load(),
		DeadLettered: r.deadLettered.Load(),
	}
}

// Close removes all routes and their bus subscriptions.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, route := range r.routes {
		r.removeLocked(route)
	}
	return nil
}
