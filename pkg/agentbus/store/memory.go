package store

import (
	"sync"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// Memory is an in-memory bounded event store.
// Suitable for testing and single-instance deployments.
type Memory struct {
	mu     sync.RWMutex
	max    int
	order  []string // event IDs, oldest first
	byID   map[string]*event.Event
	byCorr map[string][]string
	byType map[string][]string
	closed bool
}

// NewMemory creates a memory store holding at most maxEvents events.
// maxEvents <= 0 uses DefaultMaxEvents.
func NewMemory(maxEvents int) *Memory {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Memory{
		max:    maxEvents,
		byID:   make(map[string]*event.Event),
		byCorr: make(map[string][]string),
		byType: make(map[string][]string),
	}
}

// Append implements Store.
func (m *Memory) Append(evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	// Re-delivery of a stored event updates in place without growing.
	if _, exists := m.byID[evt.ID]; exists {
		m.byID[evt.ID] = evt
		return nil
	}

	if len(m.order) >= m.max {
		m.evictOldestLocked()
	}

	m.order = append(m.order, evt.ID)
	m.byID[evt.ID] = evt
	m.byCorr[evt.CorrelationID] = append(m.byCorr[evt.CorrelationID], evt.ID)
	m.byType[evt.Type] = append(m.byType[evt.Type], evt.ID)
	return nil
}

// evictOldestLocked removes the oldest event and its index entries.
func (m *Memory) evictOldestLocked() {
	oldestID := m.order[0]
	m.order = m.order[1:]

	evt, ok := m.byID[oldestID]
	if !ok {
		return
	}
	delete(m.byID, oldestID)
	m.byCorr[evt.CorrelationID] = removeID(m.byCorr[evt.CorrelationID], oldestID)
	if len(m.byCorr[evt.CorrelationID]) == 0 {
		delete(m.byCorr, evt.CorrelationID)
	}
	m.byType[evt.Type] = removeID(m.byType[evt.Type], oldestID)
	if len(m.byType[evt.Type]) == 0 {
		delete(m.byType, evt.Type)
	}
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Get implements Store.
func (m *Memory) Get(id string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	evt, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return evt, nil
}

// ByCorrelation implements Store.
func (m *Memory) ByCorrelation(correlationID string) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.collectLocked(m.byCorr[correlationID]), nil
}

// ByType implements Store.
func (m *Memory) ByType(eventType string) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.collectLocked(m.byType[eventType]), nil
}

func (m *Memory) collectLocked(ids []string) []*event.Event {
	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		if evt, ok := m.byID[id]; ok {
			events = append(events, evt)
		}
	}
	return events
}

// Len implements Store.
func (m *Memory) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.order), nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
