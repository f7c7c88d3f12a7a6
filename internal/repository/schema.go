package repository

// Schema definitions for the couponguard database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    user_name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    vendor_name TEXT NOT NULL DEFAULT '',
    merchant TEXT NOT NULL DEFAULT '',
    channel TEXT NOT NULL DEFAULT '',
    coupon_code TEXT NOT NULL DEFAULT '',
    items_count INTEGER NOT NULL DEFAULT 0,
    original_amount TEXT NOT NULL,
    discount_amount TEXT NOT NULL,
    final_amount TEXT NOT NULL,
    discount_ratio DOUBLE PRECISION NOT NULL,
    base_probability DOUBLE PRECISION,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_vendor ON transactions(vendor_name);
`

const schemaScores = `
CREATE TABLE IF NOT EXISTS scores (
    tx_id TEXT PRIMARY KEY,
    probability DOUBLE PRECISION NOT NULL,
    risk_tier TEXT NOT NULL,
    no_signal INTEGER NOT NULL DEFAULT 0,
    manual_review INTEGER NOT NULL DEFAULT 0,
    weights_version BIGINT NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    scored_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_tier ON scores(risk_tier);
CREATE INDEX IF NOT EXISTS idx_scores_scored_at ON scores(scored_at);
`

// schemaFeedback keys feedback by transaction id so a label is stored at most once.
const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    tx_id TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    reviewer TEXT NOT NULL DEFAULT '',
    impact TEXT NOT NULL DEFAULT '0',
    signals TEXT NOT NULL,
    features TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_timestamp ON feedback(timestamp);
`

// schemaWeights stores the learned state per rule. Non-finite values of a
// corrupted entry are stored as NULL.
const schemaWeights = `
CREATE TABLE IF NOT EXISTS rule_weights (
    rule TEXT PRIMARY KEY,
    weight DOUBLE PRECISION,
    alpha DOUBLE PRECISION,
    beta DOUBLE PRECISION,
    status TEXT NOT NULL,
    corrupted INTEGER NOT NULL DEFAULT 0,
    recent_calls TEXT NOT NULL DEFAULT '[]',
    precision_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
    successes BIGINT NOT NULL DEFAULT 0,
    failures BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS weight_meta (
    id INTEGER PRIMARY KEY,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaCandidates = `
CREATE TABLE IF NOT EXISTS candidate_rules (
    id TEXT PRIMARY KEY,
    expression TEXT NOT NULL,
    predicate TEXT NOT NULL,
    support INTEGER NOT NULL,
    tx_ids TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    reviewed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_candidate_rules_status ON candidate_rules(status);
CREATE INDEX IF NOT EXISTS idx_candidate_rules_expression ON candidate_rules(expression);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    candidate_id TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

const schemaVendors = `
CREATE TABLE IF NOT EXISTS vendor_blacklist (
    name TEXT PRIMARY KEY,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaScores,
		schemaFeedback,
		schemaWeights,
		schemaCandidates,
		schemaRuleConfigs,
		schemaVendors,
	}
}
