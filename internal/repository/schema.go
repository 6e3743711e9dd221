package repository

// Schema definitions for the Kestrel run store.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'completed',
    error_message TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL,
    total INTEGER NOT NULL,
    flagged INTEGER NOT NULL,
    rule_flagged INTEGER NOT NULL,
    model_flagged INTEGER NOT NULL,
    both_flagged INTEGER NOT NULL,
    config TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    run_id TEXT NOT NULL,
    id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    amount REAL NOT NULL,
    category TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    last_login TIMESTAMP,
    PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(run_id, account_id);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    run_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    is_anomalous INTEGER NOT NULL,
    rule_flagged INTEGER NOT NULL,
    model_flagged INTEGER NOT NULL,
    model_score REAL,
    sources TEXT NOT NULL,
    alerts TEXT NOT NULL,
    PRIMARY KEY (run_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_verdicts_flagged ON verdicts(run_id, is_anomalous);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    message TEXT NOT NULL,
    severity INTEGER NOT NULL,
    fallback INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaTransactions,
		schemaVerdicts,
		schemaRuleConfigs,
	}
}
