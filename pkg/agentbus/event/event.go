// Package event defines the event envelope used across the bus, router,
// and action registry.
//
// Events are immutable once published - routing stages that need to change
// an event (transformers, retry counting) work on copies. Correlation IDs
// group causally related events; an event published without one becomes
// the root of its own correlation chain.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the mutable-by-copy routing metadata of an event.
type Metadata struct {
	// SchemaVersion supports payload evolution.
	SchemaVersion int `json:"schema_version"`

	// RetryCount is incremented by the router on each redelivery attempt.
	RetryCount int `json:"retry_count"`

	// Priority orders routes competing for the same event type.
	Priority int `json:"priority"`

	// TTL bounds how long the event is worth delivering. Zero means no limit.
	TTL time.Duration `json:"ttl,omitempty"`

	// Extra holds free-form metadata set by producers or middleware.
	Extra map[string]any `json:"extra,omitempty"`
}

// Event is the envelope delivered through the bus.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
	Metadata      Metadata  `json:"metadata"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithSource sets the event source.
func WithSource(source string) Option {
	return func(e *Event) { e.Source = source }
}

// WithCorrelationID sets the correlation ID. Unset, the event ID is used,
// making the event the root of a new correlation chain.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Timestamp = t }
}

// WithSchemaVersion sets the payload schema version.
func WithSchemaVersion(v int) Option {
	return func(e *Event) { e.Metadata.SchemaVersion = v }
}

// WithPriority sets the routing priority.
func WithPriority(p int) Option {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithTTL bounds the event's useful lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Event) { e.Metadata.TTL = ttl }
}

// WithMeta adds a free-form metadata entry.
func WithMeta(key string, value any) Option {
	return func(e *Event) {
		if e.Metadata.Extra == nil {
			e.Metadata.Extra = make(map[string]any)
		}
		e.Metadata.Extra[key] = value
	}
}

// New creates an event with a generated ID. The correlation ID defaults
// to the event ID so unrelated publishes land in distinct chains.
func New(eventType string, payload any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata:  Metadata{SchemaVersion: 1},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}

	return e
}

// NewFromParent creates an event caused by parent, inheriting its
// correlation ID.
func NewFromParent(parent *Event, eventType string, payload any, opts ...Option) *Event {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithSource(parent.Source),
	}
	return New(eventType, payload, append(parentOpts, opts...)...)
}

// Clone returns a copy safe to mutate during routing. The Extra map is
// copied shallowly; values are shared.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Metadata.Extra != nil {
		clone.Metadata.Extra = make(map[string]any, len(e.Metadata.Extra))
		for k, v := range e.Metadata.Extra {
			clone.Metadata.Extra[k] = v
		}
	}
	return &clone
}

// Expired reports whether the event's TTL has elapsed.
func (e *Event) Expired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > e.Metadata.TTL
}

// Encode serializes the event for transport.
func Encode(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an event from its transport encoding.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
