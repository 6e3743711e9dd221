// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
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
	if cfg.MaxOpenConns > 0 {
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

	// Run migrations
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

// SaveRun stores a run summary. Saving the same run ID twice replaces it.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	config, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}

	status := run.Status
	if status == "" {
		status = domain.RunCompleted
	}

	query := `
		INSERT INTO runs (
			id, mode, status, error_message, started_at, completed_at,
			total, flagged, rule_flagged, model_flagged, both_flagged,
			config, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			total = excluded.total,
			flagged = excluded.flagged,
			rule_flagged = excluded.rule_flagged,
			model_flagged = excluded.model_flagged,
			both_flagged = excluded.both_flagged,
			config = excluded.config,
			metadata = excluded.metadata
	`

	s := run.Summary
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, string(run.Mode), status, run.Error, run.StartedAt.UTC(), run.CompletedAt.UTC(),
		s.Total, s.Flagged, s.RuleFlagged, s.ModelFlagged, s.BothFlagged,
		string(config), string(metadata),
	)
	return err
}

const runColumns = `id, mode, status, error_message, started_at, completed_at,
	total, flagged, rule_flagged, model_flagged, both_flagged,
	config, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var mode, config, metadata string
	s := &run.Summary

	if err := row.Scan(
		&run.ID, &mode, &run.Status, &run.Error, &run.StartedAt, &run.CompletedAt,
		&s.Total, &s.Flagged, &s.RuleFlagged, &s.ModelFlagged, &s.BothFlagged,
		&config, &metadata,
	); err != nil {
		return nil, err
	}

	run.Mode = domain.EvaluationMode(mode)
	if err := json.Unmarshal([]byte(config), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to parse run config for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse run metadata for %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// SaveTransactions stores the prepared input batch of a run in one database transaction.
func (r *SQLRepository) SaveTransactions(ctx context.Context, runID string, txs []*domain.Transaction) error {
	if runID == "" {
		return fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			run_id, id, seq, account_id, timestamp, amount, category, ip_address, last_login
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, tx := range txs {
			var login sql.NullTime
			if tx.LastLogin != nil {
				login = sql.NullTime{Time: tx.LastLogin.UTC(), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				runID, tx.ID, tx.Seq, tx.AccountID, tx.Timestamp.UTC(),
				tx.Amount, tx.Category, tx.IPAddress, login,
			); err != nil {
				return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
			}
		}
		return nil
	})
}

// ListTransactions returns the batch of a run in its original order.
func (r *SQLRepository) ListTransactions(ctx context.Context, runID string) ([]*domain.Transaction, error) {
	query := `
		SELECT id, seq, account_id, timestamp, amount, category, ip_address, last_login
		FROM transactions
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var login sql.NullTime

		if err := rows.Scan(
			&tx.ID, &tx.Seq, &tx.AccountID, &tx.Timestamp,
			&tx.Amount, &tx.Category, &tx.IPAddress, &login,
		); err != nil {
			return nil, err
		}

		tx.Timestamp = tx.Timestamp.UTC()
		if login.Valid {
			t := login.Time.UTC()
			tx.LastLogin = &t
		}
		txs = append(txs, &tx)
	}

	return txs, rows.Err()
}

// SaveVerdicts stores the verdicts of a run. The slice position is kept as seq.
func (r *SQLRepository) SaveVerdicts(ctx context.Context, runID string, verdicts []domain.Verdict) error {
	if runID == "" {
		return fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO verdicts (
			run_id, tx_id, seq, account_id, is_anomalous, rule_flagged, model_flagged,
			model_score, sources, alerts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for i := range verdicts {
			v := &verdicts[i]

			alerts, err := json.Marshal(v.Alerts)
			if err != nil {
				return fmt.Errorf("marshal alerts for %s: %w", v.TxID, err)
			}
			sources := make([]string, len(v.Sources))
			for j, s := range v.Sources {
				sources[j] = string(s)
			}

			var score sql.NullFloat64
			if v.ModelScore != nil {
				score = sql.NullFloat64{Float64: *v.ModelScore, Valid: true}
			}

			if _, err := stmt.ExecContext(ctx,
				runID, v.TxID, i, v.AccountID,
				boolInt(v.IsAnomalous), boolInt(v.RuleFlagged), boolInt(v.ModelFlagged),
				score, strings.Join(sources, ","), string(alerts),
			); err != nil {
				return fmt.Errorf("insert verdict %s: %w", v.TxID, err)
			}
		}
		return nil
	})
}

// ListVerdicts returns the verdicts of a run in batch order.
func (r *SQLRepository) ListVerdicts(ctx context.Context, runID string, flaggedOnly bool) ([]domain.Verdict, error) {
	query := `
		SELECT tx_id, account_id, is_anomalous, rule_flagged, model_flagged,
			   model_score, sources, alerts
		FROM verdicts
		WHERE run_id = ?
	`
	if flaggedOnly {
		query += ` AND is_anomalous = 1`
	}
	query += ` ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	verdicts := []domain.Verdict{}
	for rows.Next() {
		var v domain.Verdict
		var anomalous, ruleFlagged, modelFlagged int
		var score sql.NullFloat64
		var sources, alerts string

		if err := rows.Scan(
			&v.TxID, &v.AccountID, &anomalous, &ruleFlagged, &modelFlagged,
			&score, &sources, &alerts,
		); err != nil {
			return nil, err
		}

		v.IsAnomalous = anomalous == 1
		v.RuleFlagged = ruleFlagged == 1
		v.ModelFlagged = modelFlagged == 1
		if score.Valid {
			s := score.Float64
			v.ModelScore = &s
		}
		if sources != "" {
			for _, s := range strings.Split(sources, ",") {
				v.Sources = append(v.Sources, domain.ScoreSource(s))
			}
		}
		if err := json.Unmarshal([]byte(alerts), &v.Alerts); err != nil {
			return nil, fmt.Errorf("failed to parse alerts for %s: %w", v.TxID, err)
		}
		verdicts = append(verdicts, v)
	}

	return verdicts, rows.Err()
}

// SaveRuleConfig stores a custom rule configuration, replacing any rule with the same ID.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, message, severity, fallback, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			message = excluded.message,
			severity = excluded.severity,
			fallback = excluded.fallback,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Message, rule.Severity,
		boolInt(rule.Fallback), boolInt(rule.Enabled),
		now, now,
	)
	return err
}

const ruleColumns = `id, name, description, version, expression, message, severity, fallback, enabled`

func scanRule(row scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var fallback, enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version,
		&cfg.Expression, &cfg.Message, &cfg.Severity, &fallback, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Fallback = fallback == 1
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves a custom rule configuration.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE id = ?`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves all enabled custom rule configurations.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE enabled = 1 ORDER BY severity, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// inTx prepares query inside a database transaction and commits when fn succeeds.
func (r *SQLRepository) inTx(ctx context.Context, query string, fn func(stmt *sql.Stmt) error) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := dbTx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		dbTx.Rollback()
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		dbTx.Rollback()
		return err
	}

	return dbTx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
