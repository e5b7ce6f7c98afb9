package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultRules returns the built-in rule set loaded when the repository
// has no tenant rules configured. Weights are score contributions on the
// 0-100 scale.
func DefaultRules() []*domain.FraudRule {
	return []*domain.FraudRule{
		{
			ID:          "rule-amount-deviation",
			Name:        "Amount deviation from baseline",
			Description: "Transaction amount deviates from the user's typical amount by more than 2x",
			Type:        domain.RuleTypeBehavior,
			Condition: domain.RuleCondition{
				Field:     domain.FieldAmountDeviation,
				Operator:  domain.OpGT,
				Threshold: 2,
			},
			Action:   domain.ActionFlag,
			Severity: domain.SeverityHigh,
			Weight:   25,
			Enabled:  true,
		},
		{
			ID:          "rule-large-amount",
			Name:        "Large transaction amount",
			Description: "Absolute amount above the large-transaction threshold",
			Type:        domain.RuleTypeAmount,
			Condition: domain.RuleCondition{
				Field:     domain.FieldAmount,
				Operator:  domain.OpGT,
				Threshold: 10000,
			},
			Action:   domain.ActionFlag,
			Severity: domain.SeverityMedium,
			Weight:   15,
			Enabled:  true,
		},
		{
			ID:          "rule-velocity",
			Name:        "Transaction velocity",
			Description: "More than 10 transactions within one hour",
			Type:        domain.RuleTypeVelocity,
			Condition: domain.RuleCondition{
				Field:      domain.FieldVelocity,
				Operator:   domain.OpGT,
				Threshold:  10,
				WindowSecs: 3600,
			},
			Action:   domain.ActionLimit,
			Severity: domain.SeverityMedium,
			Weight:   20,
			Enabled:  true,
		},
		{
			ID:          "rule-failed-attempts",
			Name:        "Repeated failed attempts",
			Description: "More than 3 failed transactions within 15 minutes",
			Type:        domain.RuleTypeVelocity,
			Condition: domain.RuleCondition{
				Field:      domain.FieldFailedAttempts,
				Operator:   domain.OpGT,
				Threshold:  3,
				WindowSecs: 900,
			},
			Action:   domain.ActionBlock,
			Severity: domain.SeverityHigh,
			Weight:   20,
			Enabled:  true,
		},
		{
			ID:          "rule-new-location",
			Name:        "Unrecognized location",
			Description: "Transaction from a location outside the user's usual set",
			Type:        domain.RuleTypeLocation,
			Condition: domain.RuleCondition{
				Field:    domain.FieldLocation,
				Operator: domain.OpNotIn,
			},
			Action:   domain.ActionNotify,
			Severity: domain.SeverityLow,
			Weight:   10,
			Enabled:  true,
		},
		{
			ID:          "rule-new-device",
			Name:        "Unrecognized device",
			Description: "Transaction from a device outside the user's usual set",
			Type:        domain.RuleTypeDevice,
			Condition: domain.RuleCondition{
				Field:    domain.FieldDevice,
				Operator: domain.OpNotIn,
			},
			Action:   domain.ActionRequireMFA,
			Severity: domain.SeverityMedium,
			Weight:   10,
			Enabled:  true,
		},
		{
			ID:          "rule-circular-pattern",
			Name:        "Circular transaction pattern",
			Description: "Funds cycle back to the originator through counterparties",
			Type:        domain.RuleTypePattern,
			Condition: domain.RuleCondition{
				Field: domain.FieldCircularPattern,
			},
			Action:   domain.ActionEscalate,
			Severity: domain.SeverityHigh,
			Weight:   30,
			Enabled:  true,
		},
		{
			ID:          "rule-suspicious-ip",
			Name:        "Suspicious IP address",
			Description: "Source IP appears on the threat-intel feed",
			Type:        domain.RuleTypeNetwork,
			Condition: domain.RuleCondition{
				Field: domain.FieldIPAddress,
			},
			Action:   domain.ActionBlock,
			Severity: domain.SeverityHigh,
			Weight:   25,
			Enabled:  true,
		},
	}
}
