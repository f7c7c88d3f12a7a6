package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicTransactionScored, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicTransactionScored {
			t.Errorf("expected topic %q, got %q", domain.TopicTransactionScored, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" || receivedMsg.Timestamp == 0 {
			t.Error("expected message id and timestamp to be set")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var weights, alerts atomic.Int32

		bus.Subscribe(ctx, domain.TopicWeightsUpdated, func(ctx context.Context, msg *domain.Message) error {
			weights.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicWeightsUpdated, []byte("v1"))
		time.Sleep(50 * time.Millisecond)

		if weights.Load() != 1 {
			t.Errorf("weights subscriber should receive 1 message, got %d", weights.Load())
		}
		if alerts.Load() != 0 {
			t.Errorf("alert subscriber should receive 0 messages, got %d", alerts.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}
		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("TraceIDPropagated", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
		traced := trace.ContextWithSpanContext(ctx, sc)

		var got string
		var wg sync.WaitGroup
		wg.Add(1)
		bus.Subscribe(ctx, "trace.topic", func(ctx context.Context, msg *domain.Message) error {
			got = msg.Metadata["trace_id"]
			wg.Done()
			return nil
		})

		bus.Publish(traced, "trace.topic", []byte("x"))
		waitFor(t, &wg)

		if got != traceID.String() {
			t.Errorf("expected trace id %s, got %q", traceID, got)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestWorkTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{domain.TopicTransactionIngested, true},
		{domain.TopicFeedbackReceived, true},
		{domain.TopicTransactionScored, false},
		{domain.TopicAlert, false},
		{domain.TopicWeightsUpdated, false},
		{domain.TopicCandidateRule, false},
	}
	for _, tt := range tests {
		if got := domain.WorkTopic(tt.topic); got != tt.want {
			t.Errorf("WorkTopic(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}
