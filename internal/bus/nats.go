package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/couponguard/internal/domain"
)

// NATSBus implements EventBus on NATS core subjects.
//
// Topics are used as subjects directly. Work topics (ingested transactions,
// feedback) are consumed through a queue group when one is configured, so
// each message is scored or applied by exactly one replica; the remaining
// topics fan out to every subscriber.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	queue         string
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	queue string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, natsOptions(cfg, wait)...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"queue", cfg.NATSQueue,
	)

	return &NATSBus{
		conn:          conn,
		queue:         cfg.NATSQueue,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("couponguard"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		// Scored events and feedback published during an outage are kept.
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				slog.Warn("NATS slow consumer, messages dropped", "subject", subject)
				return
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish wraps payload in a message envelope and sends it to topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	data, err := json.Marshal(newMessage(ctx, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for topic. Handler errors are logged; NATS
// core delivery is at-most-once, so a failed message is not redelivered.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to unmarshal NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"trace_id", msg.Metadata["trace_id"],
				"error", err,
			)
		}
	}

	queue := ""
	if b.queue != "" && domain.WorkTopic(topic) {
		queue = b.queue
	}

	var natsSub *nats.Subscription
	var err error
	if queue != "" {
		natsSub, err = b.conn.QueueSubscribe(topic, queue, deliver)
	} else {
		natsSub, err = b.conn.Subscribe(topic, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		queue: queue,
		sub:   natsSub,
		bus:   b,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	slog.Debug("NATS subscription added", "topic", topic, "queue", queue)
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection: in-flight transactions and feedback are
// handed to their handlers before the connection closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe stops delivery and forgets the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
