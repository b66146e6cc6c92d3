package benchmarks

import (
	"context"
	"testing"

	"github.com/randalmurphal/agentbus/pkg/agentbus/bus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

func newBus(b *testing.B) *bus.Bus {
	b.Helper()
	transport := bus.NewLocalTransport()
	eb := bus.New(transport, bus.Options{NoStore: true})
	b.Cleanup(func() {
		_ = eb.Close()
		_ = transport.Close()
	})
	return eb
}

// BenchmarkPublish measures publish throughput with no subscribers.
func BenchmarkPublish(b *testing.B) {
	eb := newBus(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, "bench.event", i)
	}
}

// BenchmarkPublishStored measures publish throughput with the event store
// enabled.
func BenchmarkPublishStored(b *testing.B) {
	transport := bus.NewLocalTransport()
	eb := bus.New(transport, bus.Options{})
	defer eb.Close()
	defer transport.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, "bench.event", i)
	}
}

// BenchmarkPublishFanOut_10 measures publish with 10 subscribers draining.
func BenchmarkPublishFanOut_10(b *testing.B) {
	eb := newBus(b)
	for i := 0; i < 10; i++ {
		_, _ = eb.Subscribe([]string{"bench.event"}, func(context.Context, *event.Event) error {
			return nil
		})
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, "bench.event", i)
	}
}

// BenchmarkEncodeDecode measures the event wire codec.
func BenchmarkEncodeDecode(b *testing.B) {
	evt := event.New("bench.event", map[string]any{"name": "build", "attempt": 3})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := event.Encode(evt)
		_, _ = event.Decode(data)
	}
}
