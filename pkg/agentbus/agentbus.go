// Package agentbus wires the event bus, router, and action registry into
// one substrate for event-driven agent coordination.
//
// The three components are usable on their own; Backbone composes them
// with shared logging, metrics, and tracing, and republishes action
// outcomes as bus events so any subscriber can observe executions.
package agentbus

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/agentbus/pkg/agentbus/action"
	"github.com/randalmurphal/agentbus/pkg/agentbus/bus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/config"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
	"github.com/randalmurphal/agentbus/pkg/agentbus/router"
	"github.com/randalmurphal/agentbus/pkg/agentbus/store"
)

// Options configures a Backbone. Component option structs are embedded
// whole; ambient fields (Logger, Metrics, Spans) set here propagate into
// any component that did not set its own.
type Options struct {
	// Transport carries events between bus instances. Default: an
	// in-process transport, closed with the Backbone.
	Transport bus.Transport

	Bus     bus.Options
	Router  router.Options
	Actions action.Options

	// Logger for all components. Nil disables logging.
	Logger *slog.Logger

	// Metrics for all components. Default: no-op.
	Metrics observability.MetricsRecorder

	// Spans for all components. Default: no-op.
	Spans observability.SpanManager
}

// Backbone is the assembled substrate: bus, router, and action registry
// over a shared transport.
type Backbone struct {
	transport bus.Transport
	bus       *bus.Bus
	router    *router.Router
	actions   *action.Registry

	ownTransport bool
	ownStore     store.Store
}

// New assembles a Backbone.
func New(opts Options) *Backbone {
	bb := &Backbone{}

	if opts.Transport == nil {
		opts.Transport = bus.NewLocalTransport()
		bb.ownTransport = true
	}
	bb.transport = opts.Transport

	if opts.Logger != nil {
		if opts.Bus.Logger == nil {
			opts.Bus.Logger = opts.Logger
		}
		if opts.Router.Logger == nil {
			opts.Router.Logger = opts.Logger
		}
		if opts.Actions.Logger == nil {
			opts.Actions.Logger = opts.Logger
		}
	}
	if opts.Metrics != nil {
		if opts.Bus.Metrics == nil {
			opts.Bus.Metrics = opts.Metrics
		}
		if opts.Router.Metrics == nil {
			opts.Router.Metrics = opts.Metrics
		}
		if opts.Actions.Metrics == nil {
			opts.Actions.Metrics = opts.Metrics
		}
	}
	if opts.Spans != nil {
		if opts.Router.Spans == nil {
			opts.Router.Spans = opts.Spans
		}
		if opts.Actions.Spans == nil {
			opts.Actions.Spans = opts.Spans
		}
	}

	if opts.Bus.Store == nil && !opts.Bus.NoStore {
		opts.Bus.Store = store.NewMemory(store.DefaultMaxEvents)
		bb.ownStore = opts.Bus.Store
	}

	bb.bus = bus.New(opts.Transport, opts.Bus)
	bb.router = router.New(bb.bus, opts.Router)

	// Execution outcomes flow back onto the bus so subscribers can react
	// to completions and failures like any other event.
	userNotify := opts.Actions.Notify
	opts.Actions.Notify = func(n action.Notification) {
		bb.publishNotification(n)
		if userNotify != nil {
			userNotify(n)
		}
	}
	bb.actions = action.NewRegistry(opts.Actions)

	return bb
}

// FromConfig assembles a Backbone from a loaded configuration.
func FromConfig(cfg config.Config, opts Options) (*Backbone, error) {
	busOpts, err := config.BusOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.Bus = busOpts
	opts.Router = config.RouterOptions(cfg)
	opts.Actions = config.RegistryOptions(cfg)
	return New(opts), nil
}

func (bb *Backbone) publishNotification(n action.Notification) {
	evt := event.New(n.Kind, n,
		event.WithSource("agentbus.actions"),
		event.WithCorrelationID(n.CorrelationID),
	)
	// Best effort; a disconnected transport drops the notification event
	// but never the execution result.
	_ = bb.bus.PublishEvent(context.Background(), evt)
}

// Bus returns the event bus.
func (bb *Backbone) Bus() *bus.Bus { return bb.bus }

// Router returns the event router.
func (bb *Backbone) Router() *router.Router { return bb.router }

// Actions returns the action registry.
func (bb *Backbone) Actions() *action.Registry { return bb.actions }

// Transport returns the underlying transport.
func (bb *Backbone) Transport() bus.Transport { return bb.transport }

// Publish constructs and publishes an event, returning its ID.
func (bb *Backbone) Publish(ctx context.Context, eventType string, payload any, opts ...event.Option) (string, error) {
	return bb.bus.Publish(ctx, eventType, payload, opts...)
}

// Subscribe registers a bus handler for the given event types.
func (bb *Backbone) Subscribe(types []string, handler event.Handler, opts ...bus.SubscribeOption) (string, error) {
	return bb.bus.Subscribe(types, handler, opts...)
}

// AddRoute registers a routed handler with filtering, transformation, and
// retry semantics.
func (bb *Backbone) AddRoute(types []string, handler event.Handler, opts router.RouteOptions) (string, error) {
	return bb.router.AddRoute(types, handler, opts)
}

// RegisterAction registers an action definition.
func (bb *Backbone) RegisterAction(def *action.Definition) (string, error) {
	return bb.actions.Register(def)
}

// ExecuteAction runs a registered action by ID or name.
func (bb *Backbone) ExecuteAction(ctx context.Context, actionID string, params map[string]any, execCtx action.Context) (*action.ExecutionResult, error) {
	return bb.actions.ExecuteAction(ctx, actionID, params, execCtx)
}

// RollbackAction compensates a completed execution.
func (bb *Backbone) RollbackAction(ctx context.Context, executionID string) error {
	return bb.actions.RollbackAction(ctx, executionID)
}

// Close tears the substrate down: router first so no new deliveries start,
// then the bus, then any transport and store the Backbone created itself.
func (bb *Backbone) Close() error {
	var firstErr error
	if err := bb.router.Close(); err != nil {
		firstErr = err
	}
	if err := bb.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if bb.ownTransport {
		if err := bb.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if bb.ownStore != nil {
		if err := bb.ownStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
