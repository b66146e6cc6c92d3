// Package store provides the bounded event store backing the bus's
// debug/replay API.
//
// Two implementations share one interface: Memory for in-process use and
// SQLite for hosts that want replayable history across restarts. Both are
// capped - when the cap is reached the oldest events are evicted first.
package store

import (
	"errors"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// ErrNotFound is returned when an event does not exist in the store.
var ErrNotFound = errors.New("event not found")

// ErrStoreClosed is returned when operating on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// DefaultMaxEvents caps the store when no explicit limit is configured.
const DefaultMaxEvents = 1000

// Store records published and delivered events for debugging and replay.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records an event, evicting the oldest if the cap is reached.
	Append(evt *event.Event) error

	// Get returns an event by ID.
	Get(id string) (*event.Event, error)

	// ByCorrelation returns all stored events sharing a correlation ID,
	// oldest first.
	ByCorrelation(correlationID string) ([]*event.Event, error)

	// ByType returns all stored events of a type, oldest first.
	ByType(eventType string) ([]*event.Event, error)

	// Len returns the number of stored events.
	Len() (int, error)

	// Close releases the store's resources.
	Close() error
}
