package domain

import (
	"context"
	"time"
)

// Repository defines the persistence boundary. The engine core never
// touches it; handlers and workers use it to materialize inputs and to
// store emitted records.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *InsiderTransaction) error
	GetTransactionsByInsider(ctx context.Context, ticker, insiderName string, since time.Time) ([]InsiderTransaction, error)
	GetTransactionsByTicker(ctx context.Context, ticker string, since time.Time) ([]InsiderTransaction, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)

	// Emitted anomaly records
	SaveAnomaly(ctx context.Context, rec *AnomalyRecord) error
	ListAnomalies(ctx context.Context, ticker string, minSeverity float64, limit int) ([]AnomalyRecord, error)

	// Custom rule configurations
	SaveCustomRule(ctx context.Context, rule *CustomRuleConfig) error
	GetCustomRule(ctx context.Context, ruleID string) (*CustomRuleConfig, error)
	ListCustomRules(ctx context.Context) ([]*CustomRuleConfig, error)
	DeleteCustomRule(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
