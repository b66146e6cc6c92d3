package bus

import (
	"sync"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
)

// State is the lifecycle state of a transport connection.
type State string

// Transport lifecycle states.
const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// MessageFunc receives raw messages from a transport channel.
type MessageFunc func(data []byte)

// StateFunc observes transport lifecycle transitions.
type StateFunc func(State)

// Transport is the pub/sub layer the bus publishes through. Implementations
// wrap a broker client (Redis, NATS, ...) or run in-process; the bus treats
// them as opaque.
type Transport interface {
	// Publish sends data to a named channel.
	Publish(channel string, data []byte) error

	// Subscribe registers a message callback for a channel.
	Subscribe(channel string, fn MessageFunc) error

	// Unsubscribe removes the channel's callbacks.
	Unsubscribe(channel string) error

	// State returns the current lifecycle state.
	State() State

	// OnStateChange registers an observer for lifecycle transitions.
	OnStateChange(fn StateFunc)

	// Close tears down the transport.
	Close() error
}

// LocalTransport is an in-process Transport. Delivery to channel callbacks
// is synchronous; the bus decouples slow handlers behind per-subscription
// queues, so ordering per channel is preserved here.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string][]MessageFunc
	state    State
	stateFns []StateFunc
}

// NewLocalTransport creates a connected in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		handlers: make(map[string][]MessageFunc),
		state:    StateConnected,
	}
}

// Publish implements Transport.
func (t *LocalTransport) Publish(channel string, data []byte) error {
	t.mu.RLock()
	state := t.state
	fns := make([]MessageFunc, len(t.handlers[channel]))
	copy(fns, t.handlers[channel])
	t.mu.RUnlock()

	if state != StateConnected {
		return &buserrors.ConnectionError{State: string(state)}
	}

	for _, fn := range fns {
		fn(data)
	}
	return nil
}

// Subscribe implements Transport.
func (t *LocalTransport) Subscribe(channel string, fn MessageFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateDisconnected {
		return &buserrors.ConnectionError{State: string(t.state)}
	}
	t.handlers[channel] = append(t.handlers[channel], fn)
	return nil
}

// Unsubscribe implements Transport.
func (t *LocalTransport) Unsubscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, channel)
	return nil
}

// State implements Transport.
func (t *LocalTransport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// OnStateChange implements Transport.
func (t *LocalTransport) OnStateChange(fn StateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

// SetConnected toggles the transport between connected and reconnecting.
// Useful for tests and for hosts simulating broker outages.
func (t *LocalTransport) SetConnected(connected bool) {
	next := StateConnected
	if !connected {
		next = StateReconnecting
	}
	t.transition(next)
}

// Close implements Transport.
func (t *LocalTransport) Close() error {
	t.transition(StateDisconnected)

	t.mu.Lock()
	t.handlers = make(map[string][]MessageFunc)
	t.mu.Unlock()
	return nil
}

func (t *LocalTransport) transition(next State) {
	t.mu.Lock()
	if t.state == next {
		t.mu.Unlock()
		return
	}
	t.state = next
	fns := make([]StateFunc, len(t.stateFns))
	copy(fns, t.stateFns)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}
