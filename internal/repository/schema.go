package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    counterparty_id TEXT,
    merchant_id TEXT,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    location TEXT,
    device_id TEXT,
    ip_address TEXT,
    session_id TEXT,
    status TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(tenant_id, user_id, status, timestamp);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    action TEXT NOT NULL,
    weight REAL NOT NULL,
    condition TEXT NOT NULL,
    expression TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    trigger_count INTEGER NOT NULL DEFAULT 0,
    last_triggered TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_tenant ON fraud_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_rules_enabled ON fraud_rules(tenant_id, enabled);
`

const schemaBehavioralProfiles = `
CREATE TABLE IF NOT EXISTS behavioral_profiles (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    typical_amount REAL NOT NULL DEFAULT 0,
    tx_count INTEGER NOT NULL DEFAULT 0,
    usual_locations TEXT,
    usual_devices TEXT,
    usual_hours TEXT,
    counterparties TEXT,
    risk_tolerance REAL NOT NULL DEFAULT 1.0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, user_id)
);
`

const schemaFraudAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT,
    tx_id TEXT,
    user_id TEXT,
    session_id TEXT,
    severity TEXT NOT NULL,
    score REAL NOT NULL,
    action TEXT NOT NULL,
    factors TEXT,
    detail TEXT,
    status TEXT NOT NULL,
    case_id TEXT,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    resolved_by TEXT,
    resolution_notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_fraud_alerts_tenant ON fraud_alerts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts(tenant_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_user ON fraud_alerts(tenant_id, user_id);
`

const schemaFraudCases = `
CREATE TABLE IF NOT EXISTS fraud_cases (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    alert_ids TEXT NOT NULL,
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_cases_tenant ON fraud_cases(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_cases_status ON fraud_cases(tenant_id, status);
`

const schemaVerifications = `
CREATE TABLE IF NOT EXISTS verifications (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    payment_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    workflow_status TEXT NOT NULL,
    risk_level TEXT,
    data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verifications_tenant ON verifications(tenant_id);
CREATE INDEX IF NOT EXISTS idx_verifications_payment ON verifications(tenant_id, payment_id);
CREATE INDEX IF NOT EXISTS idx_verifications_status ON verifications(tenant_id, workflow_status);
`

const schemaComplianceResults = `
CREATE TABLE IF NOT EXISTS compliance_results (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    verification_id TEXT NOT NULL,
    type TEXT NOT NULL,
    passed INTEGER NOT NULL,
    score REAL NOT NULL DEFAULT 0,
    violations TEXT,
    checked_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_compliance_results_tenant ON compliance_results(tenant_id);
CREATE INDEX IF NOT EXISTS idx_compliance_results_verification ON compliance_results(tenant_id, verification_id);
`

// AllSchemas returns every schema statement in creation order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaFraudRules,
		schemaBehavioralProfiles,
		schemaFraudAlerts,
		schemaFraudCases,
		schemaVerifications,
		schemaComplianceResults,
	}
}
