package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS insider_transactions (
    id TEXT PRIMARY KEY,
    ticker TEXT NOT NULL,
    insider_name TEXT NOT NULL,
    is_officer INTEGER NOT NULL DEFAULT 0,
    is_director INTEGER NOT NULL DEFAULT 0,
    is_csuite INTEGER NOT NULL DEFAULT 0,
    transaction_date TIMESTAMP NOT NULL,
    transaction_code TEXT NOT NULL,
    shares REAL NOT NULL,
    price_per_share REAL,
    total_value REAL,
    shares_owned_after REAL,
    is_planned INTEGER NOT NULL DEFAULT 0,
    filing_date TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_insider ON insider_transactions(ticker, insider_name, transaction_date);
CREATE INDEX IF NOT EXISTS idx_transactions_ticker ON insider_transactions(ticker, transaction_date);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    ticker TEXT NOT NULL,
    insider_name TEXT NOT NULL,
    severity REAL NOT NULL,
    tier TEXT NOT NULL,
    sentiment TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    signals TEXT NOT NULL,
    ml_score TEXT,
    composite TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_ticker ON evaluations(ticker, timestamp);
CREATE INDEX IF NOT EXISTS idx_evaluations_insider ON evaluations(ticker, insider_name);
CREATE INDEX IF NOT EXISTS idx_evaluations_tier ON evaluations(tier);
`

const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    id TEXT PRIMARY KEY,
    ticker TEXT NOT NULL,
    insider_name TEXT NOT NULL,
    category TEXT NOT NULL,
    severity REAL NOT NULL,
    description TEXT,
    detected_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomalies_ticker ON anomalies(ticker, detected_at);
CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEvaluations,
		schemaAnomalies,
		schemaCustomRules,
	}
}
