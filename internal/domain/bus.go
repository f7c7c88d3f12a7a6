package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	ChannelBufferSize int `yaml:"channel_buffer_size"`

	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// NATSQueue is the queue group for work topics, so that replicas share
	// ingested transactions and feedback instead of each processing all of it.
	NATSQueue string `yaml:"nats_queue"`
}

// Topic names for the scoring and learning pipeline.
const (
	TopicTransactionIngested = "couponguard.transaction.ingested"
	TopicTransactionScored   = "couponguard.transaction.scored"
	TopicAlert               = "couponguard.alert"
	TopicFeedbackReceived    = "couponguard.feedback.received"
	TopicWeightsUpdated      = "couponguard.weights.updated"
	TopicCandidateRule       = "couponguard.rule.candidate"
)

// WorkTopic reports whether every message on topic must be handled once
// across consumers. Notification topics fan out to all subscribers.
func WorkTopic(topic string) bool {
	return topic == TopicTransactionIngested || topic == TopicFeedbackReceived
}
