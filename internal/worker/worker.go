// Package worker provides async scoring and feedback consumers on the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/service"
)

// Worker scores ingested transactions and buffers received feedback.
type Worker struct {
	bus domain.EventBus
	svc *service.Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	scored   atomic.Int64
	feedback atomic.Int64
	failed   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Score subscribes to ingested transactions.
	Score bool

	// Feedback subscribes to received feedback.
	Feedback bool

	// ApplyFeedback applies feedback immediately instead of buffering it.
	ApplyFeedback bool
}

// DefaultConfig consumes both topics and buffers feedback.
func DefaultConfig() Config {
	return Config{Score: true, Feedback: true}
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, svc *service.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		svc:    svc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	if cfg.Score {
		if err := w.subscribe(domain.TopicTransactionIngested, w.processTransaction); err != nil {
			return err
		}
	}
	if cfg.Feedback {
		buffered := !cfg.ApplyFeedback
		err := w.subscribe(domain.TopicFeedbackReceived, func(ctx context.Context, msg *domain.Message) error {
			return w.processFeedback(ctx, msg, buffered)
		})
		if err != nil {
			return err
		}
	}

	slog.Info("workers started",
		"score", cfg.Score,
		"feedback", cfg.Feedback,
		"buffered", !cfg.ApplyFeedback,
	)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker subscribed", "topic", topic)
	return nil
}

// processTransaction scores one ingested transaction. Publishing the score
// and any alert is done by the service.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	scored, err := w.svc.Score(ctx, &tx)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to score transaction",
			"tx_id", tx.ID,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	w.scored.Add(1)

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"trace_id", msg.Metadata["trace_id"],
		"risk_tier", scored.RiskTier,
		"probability", scored.FraudProbability,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processFeedback accepts a single record or an array of records.
func (w *Worker) processFeedback(ctx context.Context, msg *domain.Message, buffered bool) error {
	records, err := decodeFeedback(msg.Payload)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse feedback message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	outcomes := w.svc.Feedback(ctx, records, buffered)
	w.feedback.Add(int64(len(records)))

	for _, o := range outcomes {
		if o.Status == domain.FeedbackInvalid || o.Status == domain.FeedbackUnknownTransaction {
			slog.Warn("feedback rejected",
				"tx_id", o.TxID,
				"status", o.Status,
				"reason", o.Reason,
			)
		}
	}
	return nil
}

func decodeFeedback(payload []byte) ([]*domain.FeedbackRecord, error) {
	var records []*domain.FeedbackRecord
	if err := json.Unmarshal(payload, &records); err == nil {
		return records, nil
	}

	var rec domain.FeedbackRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}
	return []*domain.FeedbackRecord{&rec}, nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Scored            int64    `json:"scored"`
	Feedback          int64    `json:"feedback"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Scored:            w.scored.Load(),
		Feedback:          w.feedback.Load(),
		Failed:            w.failed.Load(),
	}
}
