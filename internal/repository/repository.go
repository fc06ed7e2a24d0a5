// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
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

// SaveTransaction stores a disclosed insider transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.InsiderTransaction) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO insider_transactions (
			id, ticker, insider_name, is_officer, is_director, is_csuite,
			transaction_date, transaction_code, shares, price_per_share,
			total_value, shares_owned_after, is_planned, filing_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), tx.Ticker, tx.InsiderName,
		boolToInt(tx.IsOfficer), boolToInt(tx.IsDirector), boolToInt(tx.IsCSuite),
		tx.TransactionDate, tx.TransactionCode, tx.Shares,
		nullFloat(tx.PricePerShare), nullFloat(tx.TotalValue), nullFloat(tx.SharesOwnedAfter),
		boolToInt(tx.IsPlanned), tx.FilingDate, time.Now().UTC(),
	)
	return err
}

// GetTransactionsByInsider retrieves one insider's transactions for a
// ticker since the given time, oldest first.
func (r *SQLRepository) GetTransactionsByInsider(ctx context.Context, ticker, insiderName string, since time.Time) ([]domain.InsiderTransaction, error) {
	if ticker == "" || insiderName == "" {
		return nil, fmt.Errorf("%w: ticker and insider name are required", ErrInvalidInput)
	}

	query := transactionSelect + `
		WHERE ticker = ? AND insider_name = ? AND transaction_date >= ?
		ORDER BY transaction_date ASC, filing_date ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), ticker, insiderName, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetTransactionsByTicker retrieves all transactions for a ticker since the
// given time, oldest first. Used to build the peer set for cluster selling.
func (r *SQLRepository) GetTransactionsByTicker(ctx context.Context, ticker string, since time.Time) ([]domain.InsiderTransaction, error) {
	if ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", ErrInvalidInput)
	}

	query := transactionSelect + `
		WHERE ticker = ? AND transaction_date >= ?
		ORDER BY transaction_date ASC, filing_date ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), ticker, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

const transactionSelect = `
	SELECT ticker, insider_name, is_officer, is_director, is_csuite,
		   transaction_date, transaction_code, shares, price_per_share,
		   total_value, shares_owned_after, is_planned, filing_date
	FROM insider_transactions
`

func scanTransactions(rows *sql.Rows) ([]domain.InsiderTransaction, error) {
	var transactions []domain.InsiderTransaction
	for rows.Next() {
		var tx domain.InsiderTransaction
		var isOfficer, isDirector, isCSuite, isPlanned int
		var price, total, after sql.NullFloat64

		if err := rows.Scan(
			&tx.Ticker, &tx.InsiderName,
			&isOfficer, &isDirector, &isCSuite,
			&tx.TransactionDate, &tx.TransactionCode, &tx.Shares,
			&price, &total, &after,
			&isPlanned, &tx.FilingDate,
		); err != nil {
			return nil, err
		}

		tx.IsOfficer = isOfficer == 1
		tx.IsDirector = isDirector == 1
		tx.IsCSuite = isCSuite == 1
		tx.IsPlanned = isPlanned == 1
		tx.PricePerShare = floatPtr(price)
		tx.TotalValue = floatPtr(total)
		tx.SharesOwnedAfter = floatPtr(after)

		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveEvaluation stores a completed evaluation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	signals, _ := json.Marshal(eval.Signals)
	compositeJSON, _ := json.Marshal(eval.Composite)
	metadata, _ := json.Marshal(eval.Metadata)

	var mlScore sql.NullString
	if eval.MLScore != nil {
		data, _ := json.Marshal(eval.MLScore)
		mlScore = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO evaluations (
			id, ticker, insider_name, severity, tier, sentiment,
			timestamp, signals, ml_score, composite, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.Ticker, eval.InsiderName,
		eval.Composite.Severity, string(eval.Composite.Tier), string(eval.Sentiment),
		eval.Timestamp, string(signals), mlScore, string(compositeJSON), string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	query := `
		SELECT id, ticker, insider_name, sentiment, timestamp,
			   signals, ml_score, composite, metadata
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.Evaluation
	var sentiment string
	var signals, compositeJSON, metadata string
	var mlScore sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &eval.Ticker, &eval.InsiderName, &sentiment, &eval.Timestamp,
		&signals, &mlScore, &compositeJSON, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	eval.Sentiment = domain.InsiderSentiment(sentiment)
	json.Unmarshal([]byte(signals), &eval.Signals)
	json.Unmarshal([]byte(compositeJSON), &eval.Composite)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	if mlScore.Valid {
		var score domain.MLScore
		if err := json.Unmarshal([]byte(mlScore.String), &score); err == nil {
			eval.MLScore = &score
		}
	}

	return &eval, nil
}

// SaveAnomaly stores an emitted anomaly record.
func (r *SQLRepository) SaveAnomaly(ctx context.Context, rec *domain.AnomalyRecord) error {
	query := `
		INSERT INTO anomalies (
			id, ticker, insider_name, category, severity, description, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.Ticker, rec.InsiderName, rec.Category,
		rec.Severity, rec.Description, rec.DetectedAt,
	)
	return err
}

// ListAnomalies retrieves anomaly records, newest first. An empty ticker
// matches all tickers; limit <= 0 applies a default of 100.
func (r *SQLRepository) ListAnomalies(ctx context.Context, ticker string, minSeverity float64, limit int) ([]domain.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, ticker, insider_name, category, severity, description, detected_at
		FROM anomalies
		WHERE severity >= ?
	`
	args := []any{minSeverity}

	if ticker != "" {
		query += " AND ticker = ?"
		args = append(args, ticker)
	}

	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.AnomalyRecord
	for rows.Next() {
		var rec domain.AnomalyRecord
		if err := rows.Scan(
			&rec.ID, &rec.Ticker, &rec.InsiderName, &rec.Category,
			&rec.Severity, &rec.Description, &rec.DetectedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveCustomRule stores a custom CEL rule, upserting on ID.
func (r *SQLRepository) SaveCustomRule(ctx context.Context, rule *domain.CustomRuleConfig) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO custom_rules (
			id, name, description, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		boolToInt(rule.Enabled), now, now,
	)
	return err
}

// GetCustomRule retrieves a custom rule by ID.
func (r *SQLRepository) GetCustomRule(ctx context.Context, ruleID string) (*domain.CustomRuleConfig, error) {
	query := `
		SELECT id, name, description, expression, enabled, created_at, updated_at
		FROM custom_rules
		WHERE id = ?
	`

	var rule domain.CustomRuleConfig
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
		&enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListCustomRules retrieves all enabled custom rules.
func (r *SQLRepository) ListCustomRules(ctx context.Context) ([]*domain.CustomRuleConfig, error) {
	query := `
		SELECT id, name, description, expression, enabled, created_at, updated_at
		FROM custom_rules
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.CustomRuleConfig
	for rows.Next() {
		var rule domain.CustomRuleConfig
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
			&enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteCustomRule soft-deletes a custom rule by setting enabled = 0.
func (r *SQLRepository) DeleteCustomRule(ctx context.Context, ruleID string) error {
	query := `
		UPDATE custom_rules
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
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

	// Convert ? to $1, $2, etc.
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
