package event

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes a delivered event. Delivery is at-least-once with no
// deduplication, so side-effecting handlers must be idempotent or dedup on
// the event ID themselves.
type Handler func(ctx context.Context, evt *Event) error

// TypedHandler adapts a function taking a concrete payload type. Payloads
// that arrived over the wire as map[string]any are re-marshalled into T.
func TypedHandler[T any](fn func(ctx context.Context, payload T, evt *Event) error) Handler {
	return func(ctx context.Context, evt *Event) error {
		var payload T

		switch d := evt.Payload.(type) {
		case T:
			payload = d
		default:
			bytes, err := json.Marshal(evt.Payload)
			if err != nil {
				return fmt.Errorf("event %s: marshal payload: %w", evt.ID, err)
			}
			if err := json.Unmarshal(bytes, &payload); err != nil {
				return fmt.Errorf("event %s: payload is not %T: %w", evt.ID, payload, err)
			}
		}

		return fn(ctx, payload, evt)
	}
}
