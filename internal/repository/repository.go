// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != ":memory:" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction. Amounts are stored as decimal text.
// Saving an id twice returns ErrDuplicate.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = createdAt
	}

	var base sql.NullFloat64
	if tx.BaseProbability != nil {
		base = sql.NullFloat64{Float64: *tx.BaseProbability, Valid: true}
	}

	query := `
		INSERT INTO transactions (
			id, user_id, user_name, phone, email,
			vendor_name, merchant, channel, coupon_code, items_count,
			original_amount, discount_amount, final_amount, discount_ratio,
			base_probability, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.UserName, tx.Phone, tx.Email,
		tx.VendorName, tx.Merchant, tx.Channel, tx.CouponCode, tx.ItemsCount,
		tx.OriginalAmount.String(), tx.DiscountAmount.String(), tx.FinalAmount.String(),
		finiteOrZero(tx.DiscountRatio),
		base, ts.UTC(), createdAt.UTC(),
	)
	if err != nil {
		return err
	}
	return insertedOrDuplicate(res, "transaction", tx.ID)
}

const transactionColumns = `
	id, user_id, user_name, phone, email,
	vendor_name, merchant, channel, coupon_code, items_count,
	original_amount, discount_amount, final_amount, discount_ratio,
	base_probability, timestamp, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var base sql.NullFloat64

	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.UserName, &tx.Phone, &tx.Email,
		&tx.VendorName, &tx.Merchant, &tx.Channel, &tx.CouponCode, &tx.ItemsCount,
		&tx.OriginalAmount, &tx.DiscountAmount, &tx.FinalAmount, &tx.DiscountRatio,
		&base, &tx.Timestamp, &tx.CreatedAt,
	); err != nil {
		return nil, err
	}
	if base.Valid {
		p := base.Float64
		tx.BaseProbability = &p
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListTransactions returns transactions created at or after since, oldest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, since time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE created_at >= ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveScore stores a score, replacing any earlier score of the transaction.
func (r *SQLRepository) SaveScore(ctx context.Context, score *domain.ScoredTransaction) error {
	if score == nil || score.TxID == "" {
		return fmt.Errorf("%w: score tx id is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode score: %w", err)
	}

	scoredAt := score.ScoredAt
	if scoredAt.IsZero() {
		scoredAt = time.Now()
	}

	query := `
		INSERT INTO scores (
			tx_id, probability, risk_tier, no_signal, manual_review, weights_version, payload, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			probability = excluded.probability,
			risk_tier = excluded.risk_tier,
			no_signal = excluded.no_signal,
			manual_review = excluded.manual_review,
			weights_version = excluded.weights_version,
			payload = excluded.payload,
			scored_at = excluded.scored_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		score.TxID, score.FraudProbability, string(score.RiskTier),
		boolInt(score.NoSignal), boolInt(score.ManualReview), int64(score.WeightsVersion),
		string(payload), scoredAt.UTC(),
	)
	return err
}

// GetScore retrieves the latest score of a transaction.
func (r *SQLRepository) GetScore(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM scores WHERE tx_id = ?`), txID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var score domain.ScoredTransaction
	if err := json.Unmarshal([]byte(payload), &score); err != nil {
		return nil, fmt.Errorf("failed to decode score %s: %w", txID, err)
	}
	return &score, nil
}

// SaveFeedback stores a label. A transaction can be labeled once; a second
// save returns ErrDuplicate.
func (r *SQLRepository) SaveFeedback(ctx context.Context, rec *domain.FeedbackRecord) error {
	if rec == nil || rec.TxID == "" {
		return fmt.Errorf("%w: feedback tx id is required", ErrInvalidInput)
	}
	if rec.Label != domain.LabelFraud && rec.Label != domain.LabelLegitimate {
		return fmt.Errorf("%w: unknown label %q", ErrInvalidInput, rec.Label)
	}

	signals, err := json.Marshal(rec.Signals)
	if err != nil {
		return fmt.Errorf("failed to encode signals: %w", err)
	}
	features, _ := json.Marshal(rec.Features)

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO feedback (tx_id, label, reviewer, impact, signals, features, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.TxID, string(rec.Label), rec.Reviewer, rec.Impact.String(),
		string(signals), string(features), ts.UTC(),
	)
	if err != nil {
		return err
	}
	return insertedOrDuplicate(res, "feedback", rec.TxID)
}

const feedbackColumns = `tx_id, label, reviewer, impact, signals, features, timestamp`

func scanFeedback(row rowScanner) (*domain.FeedbackRecord, error) {
	var rec domain.FeedbackRecord
	var label, signals, features string

	if err := row.Scan(&rec.TxID, &label, &rec.Reviewer, &rec.Impact, &signals, &features, &rec.Timestamp); err != nil {
		return nil, err
	}
	rec.Label = domain.Label(label)
	if err := json.Unmarshal([]byte(signals), &rec.Signals); err != nil {
		return nil, fmt.Errorf("failed to decode signals of %s: %w", rec.TxID, err)
	}
	if features != "" && features != "null" {
		json.Unmarshal([]byte(features), &rec.Features)
	}
	return &rec, nil
}

// GetFeedback retrieves the label of a transaction.
func (r *SQLRepository) GetFeedback(ctx context.Context, txID string) (*domain.FeedbackRecord, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE tx_id = ?`

	rec, err := scanFeedback(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListFeedback returns labels recorded at or after since, oldest first.
func (r *SQLRepository) ListFeedback(ctx context.Context, since time.Time) ([]*domain.FeedbackRecord, error) {
	query := `SELECT ` + feedbackColumns + `
		FROM feedback
		WHERE timestamp >= ?
		ORDER BY timestamp, tx_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveWeights replaces the stored weight of every given rule and records the
// snapshot version in one database transaction.
func (r *SQLRepository) SaveWeights(ctx context.Context, weights []domain.RuleWeight, version uint64) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin weights transaction: %w", err)
	}
	defer dbtx.Rollback()

	upsert := r.rebind(`
		INSERT INTO rule_weights (
			rule, weight, alpha, beta, status, corrupted, recent_calls,
			precision_ratio, successes, failures, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule) DO UPDATE SET
			weight = excluded.weight,
			alpha = excluded.alpha,
			beta = excluded.beta,
			status = excluded.status,
			corrupted = excluded.corrupted,
			recent_calls = excluded.recent_calls,
			precision_ratio = excluded.precision_ratio,
			successes = excluded.successes,
			failures = excluded.failures,
			updated_at = excluded.updated_at
	`)

	now := time.Now().UTC()
	for _, w := range weights {
		if w.Rule == "" {
			return fmt.Errorf("%w: rule name is required", ErrInvalidInput)
		}
		window := w.Window
		if window == nil {
			window = []bool{}
		}
		calls, _ := json.Marshal(window)

		updated := w.UpdatedAt
		if updated.IsZero() {
			updated = now
		}

		if _, err := dbtx.ExecContext(ctx, upsert,
			w.Rule, nullFloat(w.Weight), nullFloat(w.Alpha), nullFloat(w.Beta),
			string(w.Status), boolInt(w.Corrupted), string(calls),
			finiteOrZero(w.Precision), w.Successes, w.Failures, updated.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save weight %s: %w", w.Rule, err)
		}
	}

	meta := r.rebind(`
		INSERT INTO weight_meta (id, version, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`)
	if _, err := dbtx.ExecContext(ctx, meta, int64(version), now); err != nil {
		return fmt.Errorf("failed to save weights version: %w", err)
	}

	return dbtx.Commit()
}

// LoadWeights returns every stored rule weight and the last saved version.
// NULL values of corrupted entries are returned as NaN.
func (r *SQLRepository) LoadWeights(ctx context.Context) ([]domain.RuleWeight, uint64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM weight_meta WHERE id = 1`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT rule, weight, alpha, beta, status, corrupted, recent_calls,
		       precision_ratio, successes, failures, updated_at
		FROM rule_weights
		ORDER BY rule
	`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var weights []domain.RuleWeight
	for rows.Next() {
		var w domain.RuleWeight
		var weight, alpha, beta sql.NullFloat64
		var status, calls string
		var corrupted int

		if err := rows.Scan(
			&w.Rule, &weight, &alpha, &beta, &status, &corrupted, &calls,
			&w.Precision, &w.Successes, &w.Failures, &w.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}

		w.Weight = fromNull(weight)
		w.Alpha = fromNull(alpha)
		w.Beta = fromNull(beta)
		w.Status = domain.RuleStatus(status)
		w.Corrupted = corrupted == 1
		if err := json.Unmarshal([]byte(calls), &w.Window); err != nil {
			return nil, 0, fmt.Errorf("failed to decode precision window of %s: %w", w.Rule, err)
		}
		weights = append(weights, w)
	}

	return weights, uint64(version), rows.Err()
}

// SaveCandidate inserts or updates a suggested rule.
func (r *SQLRepository) SaveCandidate(ctx context.Context, c *domain.CandidateRule) error {
	if c == nil || c.ID == "" || c.Expression == "" {
		return fmt.Errorf("%w: candidate id and expression are required", ErrInvalidInput)
	}

	predicate, _ := json.Marshal(c.Predicate)
	txIDs, _ := json.Marshal(c.TxIDs)

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var reviewed sql.NullTime
	if c.ReviewedAt != nil {
		reviewed = sql.NullTime{Time: c.ReviewedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO candidate_rules (
			id, expression, predicate, support, tx_ids, status, created_at, reviewed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			support = excluded.support,
			tx_ids = excluded.tx_ids,
			status = excluded.status,
			reviewed_at = excluded.reviewed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.Expression, string(predicate), c.Support, string(txIDs),
		string(c.Status), createdAt.UTC(), reviewed,
	)
	return err
}

const candidateColumns = `id, expression, predicate, support, tx_ids, status, created_at, reviewed_at`

func scanCandidate(row rowScanner) (*domain.CandidateRule, error) {
	var c domain.CandidateRule
	var predicate, txIDs, status string
	var reviewed sql.NullTime

	if err := row.Scan(&c.ID, &c.Expression, &predicate, &c.Support, &txIDs, &status, &c.CreatedAt, &reviewed); err != nil {
		return nil, err
	}
	c.Status = domain.CandidateStatus(status)
	if reviewed.Valid {
		t := reviewed.Time
		c.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(predicate), &c.Predicate); err != nil {
		return nil, fmt.Errorf("failed to decode candidate predicate %s: %w", c.ID, err)
	}
	json.Unmarshal([]byte(txIDs), &c.TxIDs)
	return &c, nil
}

// GetCandidate retrieves a suggested rule by ID.
func (r *SQLRepository) GetCandidate(ctx context.Context, id string) (*domain.CandidateRule, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidate_rules WHERE id = ?`

	c, err := scanCandidate(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCandidates returns suggested rules with the given status, or all
// rules when status is empty. Highest support first.
func (r *SQLRepository) ListCandidates(ctx context.Context, status domain.CandidateStatus) ([]*domain.CandidateRule, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidate_rules`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY support DESC, created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CandidateRule
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// SaveRuleConfig stores an expression rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, confidence, candidate_id, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			confidence = excluded.confidence,
			candidate_id = excluded.candidate_id,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version, rule.Expression,
		rule.Confidence, rule.CandidateID, boolInt(rule.Enabled),
		now, now,
	)
	return err
}

// ListRuleConfigs retrieves every expression rule configuration, enabled or not.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, confidence, candidate_id, enabled
		FROM rule_configs
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &description, &cfg.Version,
			&cfg.Expression, &cfg.Confidence, &cfg.CandidateID, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// AddBlacklistedVendor persists a blacklist extension. Names are stored
// trimmed and lower-cased; adding an existing name is a no-op.
func (r *SQLRepository) AddBlacklistedVendor(ctx context.Context, name, reason string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("%w: vendor name is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO vendor_blacklist (name, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), key, reason, time.Now().UTC())
	return err
}

// ListBlacklistedVendors returns persisted blacklist extensions.
func (r *SQLRepository) ListBlacklistedVendors(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM vendor_blacklist ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func insertedOrDuplicate(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrDuplicate, kind, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

var _ domain.Repository = (*SQLRepository)(nil)
