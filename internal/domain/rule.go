package domain

import "time"

// RuleType classifies what a fraud rule detects.
type RuleType string

const (
	RuleTypeVelocity   RuleType = "velocity"
	RuleTypeLocation   RuleType = "location"
	RuleTypeAmount     RuleType = "amount"
	RuleTypeDevice     RuleType = "device"
	RuleTypePattern    RuleType = "pattern"
	RuleTypeBehavior   RuleType = "behavior"
	RuleTypeNetwork    RuleType = "network"
	RuleTypeCompliance RuleType = "compliance"
)

// RuleAction is what a triggered rule asks the caller to do.
type RuleAction string

const (
	ActionBlock      RuleAction = "block"
	ActionFlag       RuleAction = "flag"
	ActionRequireMFA RuleAction = "require_mfa"
	ActionLimit      RuleAction = "limit"
	ActionFreeze     RuleAction = "freeze"
	ActionNotify     RuleAction = "notify"
	ActionEscalate   RuleAction = "escalate"
)

// Severity grades rules, factors and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for worst-of comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// WorseSeverity returns the more severe of a and b.
func WorseSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ConditionField selects the comparator used to evaluate a rule condition.
type ConditionField string

const (
	FieldVelocity        ConditionField = "velocity_count"
	FieldAmount          ConditionField = "amount"
	FieldAmountDeviation ConditionField = "amount_deviation"
	FieldLocation        ConditionField = "location"
	FieldDevice          ConditionField = "device"
	FieldHour            ConditionField = "hour"
	FieldFailedAttempts  ConditionField = "failed_attempts"
	FieldCircularPattern ConditionField = "circular_pattern"
	FieldIPAddress       ConditionField = "ip_address"
	// FieldExpression marks a rule whose condition is a CEL expression
	// compiled at load time.
	FieldExpression ConditionField = "expression"
)

// Operator compares an observed value against the condition threshold.
type Operator string

const (
	OpGT    Operator = "gt"
	OpGTE   Operator = "gte"
	OpLT    Operator = "lt"
	OpLTE   Operator = "lte"
	OpEQ    Operator = "eq"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// RuleCondition is a single comparator specification.
type RuleCondition struct {
	Field    ConditionField `json:"field"`
	Operator Operator       `json:"operator"`

	// Threshold is the numeric comparand for gt/gte/lt/lte/eq comparators.
	Threshold float64 `json:"threshold,omitempty"`

	// Values is the membership set for in/not_in comparators. Empty means
	// "compare against the user's behavioral profile" for location, device
	// and hour fields.
	Values []string `json:"values,omitempty"`

	// WindowSecs bounds time-windowed comparators (velocity, failed attempts).
	WindowSecs int `json:"windowSecs,omitempty"`
}

// FraudRule defines one fraud-detection rule.
type FraudRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Type      RuleType      `json:"type"`
	Condition RuleCondition `json:"condition"`
	Action    RuleAction    `json:"action"`
	Severity  Severity      `json:"severity"`

	// Weight is the score contribution when triggered (0-100).
	Weight float64 `json:"weight"`

	// Expression holds the CEL source for expression rules.
	Expression string `json:"expression,omitempty"`

	Enabled bool `json:"enabled"`

	// Trigger counters
	TriggerCount  int64      `json:"triggerCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ValidRuleType reports whether t is a known rule type.
func ValidRuleType(t RuleType) bool {
	switch t {
	case RuleTypeVelocity, RuleTypeLocation, RuleTypeAmount, RuleTypeDevice,
		RuleTypePattern, RuleTypeBehavior, RuleTypeNetwork, RuleTypeCompliance:
		return true
	}
	return false
}

// ValidRuleAction reports whether a is a known rule action.
func ValidRuleAction(a RuleAction) bool {
	switch a {
	case ActionBlock, ActionFlag, ActionRequireMFA, ActionLimit,
		ActionFreeze, ActionNotify, ActionEscalate:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}
