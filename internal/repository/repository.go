// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
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

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, type, user_id, counterparty_id, merchant_id,
			amount, currency, location, device_id, ip_address, session_id,
			status, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.Type,
		tx.UserID, tx.CounterpartyID, tx.MerchantID,
		tx.Amount, tx.Currency,
		tx.Location, tx.DeviceID, tx.IPAddress, tx.SessionID,
		tx.Status, tx.Timestamp, tx.CreatedAt,
		string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, type, user_id, counterparty_id, merchant_id,
			   amount, currency, location, device_id, ip_address, session_id,
			   status, timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.Type,
		&tx.UserID, &tx.CounterpartyID, &tx.MerchantID,
		&tx.Amount, &tx.Currency,
		&tx.Location, &tx.DeviceID, &tx.IPAddress, &tx.SessionID,
		&tx.Status, &tx.Timestamp, &tx.CreatedAt,
		&metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// CountTransactions counts a user's transactions since a point in time.
// With onlyFailed set, only failed transactions are counted (feeds the
// failed-attempt comparator).
func (r *SQLRepository) CountTransactions(ctx context.Context, tenantID string, userID string, since time.Time, onlyFailed bool) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
	`
	args := []interface{}{tenantID, userID, since}
	if onlyFailed {
		query += ` AND status = ?`
		args = append(args, domain.TxStatusFailed)
	}

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveRule stores a fraud rule with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	condition, _ := json.Marshal(rule.Condition)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO fraud_rules (
			id, tenant_id, name, description, type, severity, action,
			weight, condition, expression, enabled, trigger_count,
			last_triggered, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			severity = excluded.severity,
			action = excluded.action,
			weight = excluded.weight,
			condition = excluded.condition,
			expression = excluded.expression,
			enabled = excluded.enabled,
			trigger_count = excluded.trigger_count,
			last_triggered = excluded.last_triggered,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		string(rule.Type), string(rule.Severity), string(rule.Action),
		rule.Weight, string(condition), rule.Expression,
		enabled, rule.TriggerCount, rule.LastTriggered,
		createdAt, now,
	)
	return err
}

// GetRule retrieves a fraud rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.FraudRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all fraud rules for a tenant.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

const ruleSelect = `
	SELECT id, tenant_id, name, description, type, severity, action,
		   weight, condition, expression, enabled, trigger_count,
		   last_triggered, created_at, updated_at
	FROM fraud_rules`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var condition string
	var description, expression sql.NullString
	var enabled int
	var lastTriggered sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description,
		(*string)(&rule.Type), (*string)(&rule.Severity), (*string)(&rule.Action),
		&rule.Weight, &condition, &expression,
		&enabled, &rule.TriggerCount, &lastTriggered,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Expression = expression.String
	rule.Enabled = enabled == 1
	if lastTriggered.Valid {
		t := lastTriggered.Time
		rule.LastTriggered = &t
	}
	if condition != "" {
		if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
			return nil, fmt.Errorf("decoding rule %s condition: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

// SaveProfile stores a behavioral profile with tenant isolation.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.BehavioralProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	locations, _ := json.Marshal(profile.UsualLocations)
	devices, _ := json.Marshal(profile.UsualDevices)
	hours, _ := json.Marshal(profile.UsualHours)
	counterparties, _ := json.Marshal(profile.Counterparties)

	query := `
		INSERT INTO behavioral_profiles (
			tenant_id, user_id, typical_amount, tx_count,
			usual_locations, usual_devices, usual_hours, counterparties,
			risk_tolerance, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			typical_amount = excluded.typical_amount,
			tx_count = excluded.tx_count,
			usual_locations = excluded.usual_locations,
			usual_devices = excluded.usual_devices,
			usual_hours = excluded.usual_hours,
			counterparties = excluded.counterparties,
			risk_tolerance = excluded.risk_tolerance,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.UserID, profile.TypicalAmount, profile.TxCount,
		string(locations), string(devices), string(hours), string(counterparties),
		profile.RiskTolerance, profile.UpdatedAt,
	)
	return err
}

// GetProfile retrieves a behavioral profile with tenant isolation.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, user_id, typical_amount, tx_count,
			   usual_locations, usual_devices, usual_hours, counterparties,
			   risk_tolerance, updated_at
		FROM behavioral_profiles
		WHERE tenant_id = ? AND user_id = ?
	`

	var p domain.BehavioralProfile
	var locations, devices, hours, counterparties sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(
		&p.TenantID, &p.UserID, &p.TypicalAmount, &p.TxCount,
		&locations, &devices, &hours, &counterparties,
		&p.RiskTolerance, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if locations.Valid && locations.String != "" {
		json.Unmarshal([]byte(locations.String), &p.UsualLocations)
	}
	if devices.Valid && devices.String != "" {
		json.Unmarshal([]byte(devices.String), &p.UsualDevices)
	}
	if hours.Valid && hours.String != "" {
		json.Unmarshal([]byte(hours.String), &p.UsualHours)
	}
	if counterparties.Valid && counterparties.String != "" {
		json.Unmarshal([]byte(counterparties.String), &p.Counterparties)
	}

	return &p, nil
}

// SaveAlert stores a fraud alert with tenant isolation.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.FraudAlert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	factors, _ := json.Marshal(alert.Factors)
	detail, _ := json.Marshal(alert.Detail)

	query := `
		INSERT INTO fraud_alerts (
			id, tenant_id, rule_id, rule_name, tx_id, user_id, session_id,
			severity, score, action, factors, detail, status, case_id,
			created_at, resolved_at, resolved_by, resolution_notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			case_id = excluded.case_id,
			detail = excluded.detail,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by,
			resolution_notes = excluded.resolution_notes
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.RuleID, alert.RuleName,
		alert.TxID, alert.UserID, alert.SessionID,
		string(alert.Severity), alert.Score, string(alert.Action),
		string(factors), string(detail),
		string(alert.Status), alert.CaseID,
		alert.CreatedAt, alert.ResolvedAt, alert.ResolvedBy, alert.ResolutionNotes,
	)
	return err
}

// GetAlert retrieves a fraud alert with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.FraudAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := alertSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return alert, err
}

// ListAlerts retrieves alerts for a tenant, optionally filtered by status.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]*domain.FraudAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := alertSelect + ` WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

const alertSelect = `
	SELECT id, tenant_id, rule_id, rule_name, tx_id, user_id, session_id,
		   severity, score, action, factors, detail, status, case_id,
		   created_at, resolved_at, resolved_by, resolution_notes
	FROM fraud_alerts`

func scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var alert domain.FraudAlert
	var ruleName, txID, userID, sessionID, caseID sql.NullString
	var factors, detail sql.NullString
	var resolvedAt sql.NullTime
	var resolvedBy, resolutionNotes sql.NullString

	err := row.Scan(
		&alert.ID, &alert.TenantID, &alert.RuleID, &ruleName,
		&txID, &userID, &sessionID,
		(*string)(&alert.Severity), &alert.Score, (*string)(&alert.Action),
		&factors, &detail, (*string)(&alert.Status), &caseID,
		&alert.CreatedAt, &resolvedAt, &resolvedBy, &resolutionNotes,
	)
	if err != nil {
		return nil, err
	}

	alert.RuleName = ruleName.String
	alert.TxID = txID.String
	alert.UserID = userID.String
	alert.SessionID = sessionID.String
	alert.CaseID = caseID.String
	alert.ResolvedBy = resolvedBy.String
	alert.ResolutionNotes = resolutionNotes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	if factors.Valid && factors.String != "" {
		json.Unmarshal([]byte(factors.String), &alert.Factors)
	}
	if detail.Valid && detail.String != "" {
		json.Unmarshal([]byte(detail.String), &alert.Detail)
	}
	return &alert, nil
}

// SaveCase stores a fraud case with tenant isolation.
func (r *SQLRepository) SaveCase(ctx context.Context, tenantID string, c *domain.FraudCase) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	alertIDs, _ := json.Marshal(c.AlertIDs)

	query := `
		INSERT INTO fraud_cases (
			id, tenant_id, title, description, alert_ids, status, priority,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			alert_ids = excluded.alert_ids,
			status = excluded.status,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.Title, c.Description,
		string(alertIDs), string(c.Status), string(c.Priority),
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetCase retrieves a fraud case with tenant isolation.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, title, description, alert_ids, status, priority,
			   created_at, updated_at
		FROM fraud_cases
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.FraudCase
	var description sql.NullString
	var alertIDs string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID).Scan(
		&c.ID, &c.TenantID, &c.Title, &description,
		&alertIDs, (*string)(&c.Status), (*string)(&c.Priority),
		&c.CreatedAt, &c.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Description = description.String
	if alertIDs != "" {
		json.Unmarshal([]byte(alertIDs), &c.AlertIDs)
	}
	return &c, nil
}

// SaveVerification stores a payment verification with tenant isolation.
// The full record is stored as JSON; hot columns are extracted for querying.
func (r *SQLRepository) SaveVerification(ctx context.Context, tenantID string, v *domain.PaymentVerification) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding verification %s: %w", v.ID, err)
	}

	var workflowStatus, riskLevel string
	if v.Workflow != nil {
		workflowStatus = string(v.Workflow.Status)
	}
	if v.Risk != nil {
		riskLevel = string(v.Risk.Level)
	}

	query := `
		INSERT INTO verifications (
			id, tenant_id, payment_id, user_id, decision, workflow_status,
			risk_level, data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			decision = excluded.decision,
			workflow_status = excluded.workflow_status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.ID, tenantID, v.PaymentID, v.UserID,
		string(v.Decision), workflowStatus, riskLevel,
		string(data), v.CreatedAt, v.UpdatedAt,
	)
	return err
}

// GetVerification retrieves a payment verification with tenant isolation.
func (r *SQLRepository) GetVerification(ctx context.Context, tenantID string, id string) (*domain.PaymentVerification, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT data FROM verifications WHERE tenant_id = ? AND id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var v domain.PaymentVerification
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("decoding verification %s: %w", id, err)
	}
	return &v, nil
}

// SaveComplianceResult stores a compliance check outcome with tenant isolation.
func (r *SQLRepository) SaveComplianceResult(ctx context.Context, tenantID string, res *domain.ComplianceResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	violations, _ := json.Marshal(res.Violations)

	passed := 0
	if res.Passed {
		passed = 1
	}

	query := `
		INSERT INTO compliance_results (
			id, tenant_id, verification_id, type, passed, score, violations, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		res.ID, tenantID, res.VerificationID,
		string(res.Type), passed, res.Score,
		string(violations), res.CheckedAt,
	)
	return err
}

// ListComplianceResults retrieves compliance results for a verification.
func (r *SQLRepository) ListComplianceResults(ctx context.Context, tenantID string, verificationID string) ([]*domain.ComplianceResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, verification_id, type, passed, score, violations, checked_at
		FROM compliance_results
		WHERE tenant_id = ? AND verification_id = ?
		ORDER BY checked_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, verificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.ComplianceResult
	for rows.Next() {
		var res domain.ComplianceResult
		var passed int
		var violations sql.NullString

		if err := rows.Scan(
			&res.ID, &res.TenantID, &res.VerificationID,
			(*string)(&res.Type), &passed, &res.Score,
			&violations, &res.CheckedAt,
		); err != nil {
			return nil, err
		}

		res.Passed = passed == 1
		if violations.Valid && violations.String != "" {
			json.Unmarshal([]byte(violations.String), &res.Violations)
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

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
