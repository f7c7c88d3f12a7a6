package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/couponguard/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage builds the envelope for a payload, carrying the caller's
// trace id so consumers can correlate their spans.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata["trace_id"] = sc.TraceID().String()
	}
	return msg
}
