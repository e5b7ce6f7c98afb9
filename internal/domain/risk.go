package domain

import "time"

// RiskLevel buckets a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskRank orders risk levels.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether l is at or above min.
func (l RiskLevel) AtLeast(min RiskLevel) bool {
	return riskRank[l] >= riskRank[min]
}

// RiskFactor is one explainable contribution to a risk score.
// Immutable once produced.
type RiskFactor struct {
	Name     string   `json:"name"`
	Score    float64  `json:"score"`
	Category RuleType `json:"category"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// RiskScore is the aggregated result of one analysis call.
// Produced fresh per call; never mutated after creation.
type RiskScore struct {
	// OverallScore is clamped to [0,100].
	OverallScore float64      `json:"overallScore"`
	Factors      []RiskFactor `json:"factors"`
	Level        RiskLevel    `json:"level"`
	Confidence   float64      `json:"confidence"`
	Timestamp    time.Time    `json:"timestamp"`
}

// RiskThresholds maps scores to levels via ascending cut points:
// score < Medium -> low, < High -> medium, < Critical -> high
// (values in [High, Critical) stay high), >= Critical -> critical.
type RiskThresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// Level maps a clamped score to its risk level.
func (t RiskThresholds) Level(score float64) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskCritical
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SecondaryScorer is a pluggable scorer run alongside the rule set
// (behavioral deviation, external models). Implementations must be
// deterministic for a fixed transaction and profile.
type SecondaryScorer interface {
	Name() string
	Score(tx *Transaction, profile *BehavioralProfile) []RiskFactor
}
