// Package service wires scoring and learning to persistence, caching and
// the event bus. Both the HTTP API and the async worker go through it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
	"github.com/opensource-finance/couponguard/internal/learning"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/opensource-finance/couponguard/internal/rules"
	"github.com/opensource-finance/couponguard/internal/scoring"
)

var (
	// ErrUnavailable is returned when an operation needs a backend that is not configured.
	ErrUnavailable = errors.New("backend not available")

	// ErrAlreadyReviewed is returned when approving or rejecting a reviewed candidate.
	ErrAlreadyReviewed = errors.New("candidate already reviewed")
)

// Deps holds the collaborators of a Service. Repo, Cache and Bus are optional.
type Deps struct {
	Index      *identity.Index
	Catalog    *rules.Catalog
	Aggregator *scoring.Aggregator
	Updater    *learning.Updater
	Buffer     *learning.Buffer

	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus

	Config *domain.Config
}

// Service runs the scoring and feedback pipelines.
type Service struct {
	index      *identity.Index
	catalog    *rules.Catalog
	aggregator *scoring.Aggregator
	updater    *learning.Updater
	buffer     *learning.Buffer

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	cfg *domain.Config
}

// New creates a service.
func New(d Deps) *Service {
	cfg := d.Config
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	return &Service{
		index:      d.Index,
		catalog:    d.Catalog,
		aggregator: d.Aggregator,
		updater:    d.Updater,
		buffer:     d.Buffer,
		repo:       d.Repo,
		cache:      d.Cache,
		bus:        d.Bus,
		cfg:        cfg,
	}
}

// Config returns the service configuration.
func (s *Service) Config() *domain.Config {
	return s.cfg
}

// Catalog returns the rule catalog.
func (s *Service) Catalog() *rules.Catalog {
	return s.catalog
}

// Updater returns the weight updater.
func (s *Service) Updater() *learning.Updater {
	return s.updater
}

// Buffer returns the feedback batch buffer.
func (s *Service) Buffer() *learning.Buffer {
	return s.buffer
}

// Index returns the identity index.
func (s *Service) Index() *identity.Index {
	return s.index
}

// Score persists and scores one transaction. A transaction id that was
// already stored returns its stored score without rescoring.
func (s *Service) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoredTransaction, error) {
	if tx == nil || tx.ID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", rules.ErrInvalidInput)
	}
	fillRatio(tx)

	if s.repo != nil {
		err := s.repo.SaveTransaction(ctx, tx)
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			if prev, lookupErr := s.lookupScore(ctx, tx.ID); lookupErr == nil {
				slog.Debug("transaction already scored", "tx_id", tx.ID)
				return prev, nil
			}
		case err != nil:
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
	}

	scored, err := s.aggregator.Score(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.afterScore(ctx, scored)
	return scored, nil
}

// ScoreBatch persists and scores many transactions.
func (s *Service) ScoreBatch(ctx context.Context, txs []*domain.Transaction) ([]*domain.ScoredTransaction, domain.BatchSummary, error) {
	for i, tx := range txs {
		if tx == nil || tx.ID == "" {
			return nil, domain.BatchSummary{}, fmt.Errorf("%w: transaction %d: id is required", rules.ErrInvalidInput, i)
		}
		fillRatio(tx)
	}

	if s.repo != nil {
		for _, tx := range txs {
			if err := s.repo.SaveTransaction(ctx, tx); err != nil && !errors.Is(err, repository.ErrDuplicate) {
				slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
			}
		}
	}

	scored, err := s.aggregator.ScoreBatch(ctx, txs, s.cfg.Scoring.BatchWorkers)
	for _, sc := range scored {
		if sc != nil {
			s.afterScore(ctx, sc)
		}
	}
	return scored, scoring.Summarize(scored, s.cfg.Scoring), err
}

// afterScore stores, caches and publishes a score.
func (s *Service) afterScore(ctx context.Context, scored *domain.ScoredTransaction) {
	if s.repo != nil {
		if err := s.repo.SaveScore(ctx, scored); err != nil {
			slog.Error("failed to save score", "tx_id", scored.TxID, "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.SetScore(ctx, scored, s.cfg.Cache.ScoreTTL); err != nil {
			slog.Warn("failed to cache score", "tx_id", scored.TxID, "error", err)
		}
	}
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(scored)
	if err != nil {
		slog.Error("failed to encode score", "tx_id", scored.TxID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicTransactionScored, payload); err != nil {
		slog.Error("failed to publish score", "tx_id", scored.TxID, "error", err)
	}
	if scored.RiskTier == domain.TierHigh || scored.RiskTier == domain.TierCritical {
		if err := s.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "tx_id", scored.TxID, "error", err)
		}
	}
}

// GetScore returns a stored score from the cache or the repository.
func (s *Service) GetScore(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	return s.lookupScore(ctx, txID)
}

func (s *Service) lookupScore(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	if s.cache != nil {
		if scored, err := s.cache.GetScore(ctx, txID); err == nil && scored != nil {
			return scored, nil
		}
	}
	if s.repo == nil {
		return nil, repository.ErrNotFound
	}
	return s.repo.GetScore(ctx, txID)
}

// Feedback applies labels. Records without signals are completed from the
// stored score; a record whose score cannot be found is reported as
// unknown_transaction. With buffered set, records are queued for the next
// batch and reported as buffered unless already decided.
func (s *Service) Feedback(ctx context.Context, records []*domain.FeedbackRecord, buffered bool) []domain.FeedbackOutcome {
	outcomes := make([]domain.FeedbackOutcome, len(records))
	var ready []*domain.FeedbackRecord
	var slots []int

	for i, rec := range records {
		if rec == nil || rec.TxID == "" {
			outcomes[i] = domain.FeedbackOutcome{Status: domain.FeedbackInvalid, Reason: "missing transaction id"}
			continue
		}
		label, err := domain.ParseLabel(string(rec.Label))
		if err != nil {
			outcomes[i] = domain.FeedbackOutcome{TxID: rec.TxID, Status: domain.FeedbackInvalid, Reason: err.Error()}
			continue
		}
		rec.Label = label
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		if len(rec.Signals) == 0 {
			scored, err := s.lookupScore(ctx, rec.TxID)
			if err != nil {
				outcomes[i] = domain.FeedbackOutcome{
					TxID:   rec.TxID,
					Status: domain.FeedbackUnknownTransaction,
					Reason: "no score recorded for transaction",
				}
				continue
			}
			rec.Signals = scored.Signals
			if len(rec.Features) == 0 {
				rec.Features = scored.Features
			}
		}

		if buffered {
			if prev, ok := s.updater.Seen(rec.TxID); ok {
				status := domain.FeedbackDuplicate
				if prev != label {
					status = domain.FeedbackConflict
				}
				outcomes[i] = domain.FeedbackOutcome{TxID: rec.TxID, Status: status, Reason: "feedback already applied"}
				continue
			}
			if flushed := s.buffer.Add(ctx, rec); flushed != nil {
				logOutcomes("feedback batch flushed", flushed)
			}
			outcomes[i] = domain.FeedbackOutcome{TxID: rec.TxID, Status: domain.FeedbackBuffered}
			continue
		}

		ready = append(ready, rec)
		slots = append(slots, i)
	}

	if len(ready) > 0 {
		applied := s.updater.Apply(ctx, ready)
		for j, o := range applied {
			outcomes[slots[j]] = o
		}
	}
	return outcomes
}

// FlushFeedback applies every buffered record now.
func (s *Service) FlushFeedback(ctx context.Context) []domain.FeedbackOutcome {
	return s.buffer.Flush(ctx)
}

// PendingFeedback returns the number of buffered records.
func (s *Service) PendingFeedback() int {
	return s.buffer.Len()
}

// Weights returns the current weight snapshot.
func (s *Service) Weights() *learning.Snapshot {
	return s.updater.State().Snapshot()
}

// ResetWeight returns a rule to its prior.
func (s *Service) ResetWeight(ctx context.Context, rule string) (domain.RuleWeight, error) {
	return s.updater.Reset(ctx, rule)
}

// ListCandidates returns suggested rules with the given status.
func (s *Service) ListCandidates(ctx context.Context, status domain.CandidateStatus) ([]*domain.CandidateRule, error) {
	if s.repo == nil {
		return nil, ErrUnavailable
	}
	return s.repo.ListCandidates(ctx, status)
}

// ApproveCandidate installs a suggested rule as an enabled expression rule.
func (s *Service) ApproveCandidate(ctx context.Context, id string) (*domain.RuleConfig, error) {
	c, err := s.reviewCandidate(ctx, id, domain.CandidateApproved)
	if err != nil {
		return nil, err
	}

	rule := &domain.RuleConfig{
		ID:          "suggested_" + shortID(c.ID),
		Name:        "Suggested: " + c.Expression,
		Description: fmt.Sprintf("Approved from %d missed fraud cases", c.Support),
		Version:     "1",
		Expression:  c.Expression,
		Confidence:  s.cfg.Scoring.ExpressionConfidence,
		CandidateID: c.ID,
		Enabled:     true,
	}
	if err := s.SaveRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// RejectCandidate marks a suggested rule as rejected.
func (s *Service) RejectCandidate(ctx context.Context, id string) (*domain.CandidateRule, error) {
	return s.reviewCandidate(ctx, id, domain.CandidateRejected)
}

func (s *Service) reviewCandidate(ctx context.Context, id string, status domain.CandidateStatus) (*domain.CandidateRule, error) {
	if s.repo == nil {
		return nil, ErrUnavailable
	}
	c, err := s.repo.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CandidatePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyReviewed, id, c.Status)
	}

	now := time.Now().UTC()
	c.Status = status
	c.ReviewedAt = &now
	if err := s.repo.SaveCandidate(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save candidate: %w", err)
	}
	slog.Info("candidate rule reviewed", "candidate_id", id, "status", status, "expression", c.Expression)
	return c, nil
}

// SaveRule validates, stores and loads an expression rule.
func (s *Service) SaveRule(ctx context.Context, rule *domain.RuleConfig) error {
	if s.repo == nil {
		return ErrUnavailable
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Version == "" {
		rule.Version = "1"
	}
	if s.catalog.Has(rule.ID) && !isExpression(s.catalog, rule.ID) {
		return fmt.Errorf("%w: rule id %q is reserved", rules.ErrInvalidInput, rule.ID)
	}
	if _, err := s.catalog.Engine().Compile(rule, s.cfg.Scoring.ExpressionConfidence); err != nil {
		return fmt.Errorf("%w: %v", rules.ErrInvalidInput, err)
	}
	if err := s.repo.SaveRuleConfig(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	_, err := s.ReloadRules(ctx)
	return err
}

func isExpression(c *rules.Catalog, id string) bool {
	for _, cfg := range c.Expressions() {
		if cfg.ID == id {
			return true
		}
	}
	return false
}

// ReloadRules reloads expression rules from the repository and makes sure
// every loaded rule has weight state.
func (s *Service) ReloadRules(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, ErrUnavailable
	}
	configs, err := s.repo.ListRuleConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if err := s.catalog.ReloadExpressions(configs); err != nil {
		return 0, err
	}
	s.updater.State().Ensure(s.catalog.Names())

	n := len(s.catalog.Expressions())
	slog.Info("expression rules reloaded", "count", n)
	return n, nil
}

// BlacklistVendor extends the vendor blacklist and persists the entry.
func (s *Service) BlacklistVendor(ctx context.Context, name, reason string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: vendor name is required", rules.ErrInvalidInput)
	}
	if s.repo != nil {
		if err := s.repo.AddBlacklistedVendor(ctx, name, reason); err != nil {
			return false, fmt.Errorf("failed to persist vendor: %w", err)
		}
	}
	added := s.index.BlacklistVendor(name)
	if added {
		slog.Info("vendor blacklisted", "vendor", name, "reason", reason)
	}
	return added, nil
}

// MetricsReport is the effectiveness view over recorded feedback.
type MetricsReport struct {
	Rules          []learning.RuleStats           `json:"rules"`
	Classification learning.ClassificationMetrics `json:"classification"`
	Buffered       int                            `json:"buffered"`
	WeightsVersion uint64                         `json:"weightsVersion"`
}

// Metrics computes classification metrics for labeled transactions since the given time.
func (s *Service) Metrics(ctx context.Context, since time.Time) (*MetricsReport, error) {
	report := &MetricsReport{
		Rules:          s.updater.Effectiveness().Stats(),
		Buffered:       s.buffer.Len(),
		WeightsVersion: s.updater.State().Snapshot().Version,
	}
	if s.repo == nil {
		report.Classification = learning.Metrics(nil, nil, s.cfg.Scoring.ReviewThreshold)
		return report, nil
	}

	records, err := s.repo.ListFeedback(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}

	labels := make(map[string]domain.Label, len(records))
	scored := make([]*domain.ScoredTransaction, 0, len(records))
	for _, rec := range records {
		labels[rec.TxID] = rec.Label
		sc, err := s.lookupScore(ctx, rec.TxID)
		if err != nil {
			continue
		}
		scored = append(scored, sc)
	}
	report.Classification = learning.Metrics(scored, labels, s.cfg.Scoring.ReviewThreshold)
	return report, nil
}

// fillRatio derives the discount ratio from the amounts when only amounts were supplied.
func fillRatio(tx *domain.Transaction) {
	if tx.DiscountRatio != 0 || tx.DiscountAmount.IsZero() {
		return
	}
	if ratio, ok := domain.RatioFromAmounts(tx.OriginalAmount, tx.DiscountAmount); ok {
		tx.DiscountRatio = ratio
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func logOutcomes(msg string, outcomes []domain.FeedbackOutcome) {
	counts := make(map[domain.FeedbackStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	slog.Info(msg,
		"records", len(outcomes),
		"applied", counts[domain.FeedbackApplied],
		"duplicate", counts[domain.FeedbackDuplicate],
		"conflict", counts[domain.FeedbackConflict],
	)
}
