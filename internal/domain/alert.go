package domain

import "time"

// AlertStatus is the lifecycle state of a fraud alert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
	AlertEscalated     AlertStatus = "escalated"
)

// Terminal reports whether the status ends the alert lifecycle.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// FraudAlert is created when a rule triggers. Append-only except for the
// status and resolution fields.
type FraudAlert struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`

	TxID      string `json:"txId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Severity Severity               `json:"severity"`
	Score    float64                `json:"score"`
	Action   RuleAction             `json:"action"`
	Factors  []RiskFactor           `json:"factors,omitempty"`
	Detail   map[string]interface{} `json:"detail,omitempty"`

	Status AlertStatus `json:"status"`
	CaseID string      `json:"caseId,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
}

// CaseStatus is the lifecycle state of a fraud case.
type CaseStatus string

const (
	CaseOpen          CaseStatus = "open"
	CaseInvestigating CaseStatus = "investigating"
	CaseResolved      CaseStatus = "resolved"
	CaseReopened      CaseStatus = "reopened"
)

// FraudCase groups related alerts for investigation. Created explicitly
// from alert IDs; priority derives from the worst contained severity.
type FraudCase struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	AlertIDs []string   `json:"alertIds"`
	Status   CaseStatus `json:"status"`
	Priority Severity   `json:"priority"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FraudStats is a read-only aggregate snapshot for dashboards.
type FraudStats struct {
	TotalAlerts      int64            `json:"totalAlerts"`
	OpenAlerts       int64            `json:"openAlerts"`
	AlertsBySeverity map[Severity]int `json:"alertsBySeverity"`
	TotalCases       int64            `json:"totalCases"`
	OpenCases        int64            `json:"openCases"`
	RuleTriggers     map[string]int64 `json:"ruleTriggers"`
}
