package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/robfig/cron/v3"
)

// Buffer collects feedback records and applies them as one batch when it
// reaches its size or when flushed by the scheduler.
type Buffer struct {
	mu      sync.Mutex
	pending []*domain.FeedbackRecord
	size    int
	updater *Updater
}

// NewBuffer creates a buffer that flushes into the updater.
// A size of 1 applies every record on arrival.
func NewBuffer(updater *Updater, size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{updater: updater, size: size}
}

// Add queues a record. When the queue reaches the batch size it is flushed
// and the outcomes of the whole batch are returned; otherwise nil.
func (b *Buffer) Add(ctx context.Context, rec *domain.FeedbackRecord) []domain.FeedbackOutcome {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	if len(b.pending) < b.size {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	return b.updater.Apply(ctx, batch)
}

// Flush applies everything queued.
func (b *Buffer) Flush(ctx context.Context) []domain.FeedbackOutcome {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.updater.Apply(ctx, batch)
}

// Len returns the number of queued records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Scheduler flushes a buffer on a cron schedule with a seconds field.
type Scheduler struct {
	cron   *cron.Cron
	buffer *Buffer
	ctx    context.Context
}

// ParseSchedule validates a six-field cron expression.
func ParseSchedule(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid flush schedule %q: %w", spec, err)
	}
	return nil
}

// NewScheduler registers the periodic flush.
func NewScheduler(ctx context.Context, buffer *Buffer, schedule string) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		buffer: buffer,
		ctx:    ctx,
	}
	if _, err := s.cron.AddFunc(schedule, s.flush); err != nil {
		return nil, fmt.Errorf("register flush task: %w", err)
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("feedback flush scheduler started")
}

// Stop stops the scheduler, waits for a running flush, then flushes
// whatever is still queued.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.flush()
	slog.Info("feedback flush scheduler stopped")
}

func (s *Scheduler) flush() {
	n := s.buffer.Len()
	if n == 0 {
		return
	}
	outcomes := s.buffer.Flush(s.ctx)
	applied := 0
	for _, o := range outcomes {
		if o.Applied() {
			applied++
		}
	}
	slog.Info("scheduled feedback flush", "records", len(outcomes), "applied", applied)
}
