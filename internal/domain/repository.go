// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	CountTransactions(ctx context.Context, tenantID string, userID string, since time.Time, onlyFailed bool) (int64, error)

	// Fraud rule operations
	SaveRule(ctx context.Context, tenantID string, rule *FraudRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*FraudRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*FraudRule, error)

	// Behavioral profiles
	SaveProfile(ctx context.Context, tenantID string, profile *BehavioralProfile) error
	GetProfile(ctx context.Context, tenantID string, userID string) (*BehavioralProfile, error)

	// Alerts and cases
	SaveAlert(ctx context.Context, tenantID string, alert *FraudAlert) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, tenantID string, status AlertStatus, limit int) ([]*FraudAlert, error)
	SaveCase(ctx context.Context, tenantID string, c *FraudCase) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*FraudCase, error)

	// Payment verifications
	SaveVerification(ctx context.Context, tenantID string, v *PaymentVerification) error
	GetVerification(ctx context.Context, tenantID string, id string) (*PaymentVerification, error)

	// Compliance results
	SaveComplianceResult(ctx context.Context, tenantID string, res *ComplianceResult) error
	ListComplianceResults(ctx context.Context, tenantID string, verificationID string) ([]*ComplianceResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// HistoryQuery supplies window-bounded event counts for time-windowed
// rule comparators. Counts are sourced here, never computed in-process
// by the evaluator.
type HistoryQuery interface {
	// TransactionCount returns the user's transaction count within the window.
	TransactionCount(ctx context.Context, tenantID string, userID string, window time.Duration) (int64, error)

	// FailedAttemptCount returns the user's failed-transaction count within the window.
	FailedAttemptCount(ctx context.Context, tenantID string, userID string, window time.Duration) (int64, error)
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
