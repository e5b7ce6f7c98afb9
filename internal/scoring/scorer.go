// Package scoring aggregates rule verdicts and secondary scorers into a
// capped risk score.
package scoring

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// TriggeredRule pairs a triggered rule with its evaluation detail, for
// alert materialization.
type TriggeredRule struct {
	Rule   *domain.FraudRule
	Detail map[string]interface{}
}

// Scorer computes a RiskScore for one transaction. For a fixed rule set,
// profile and transaction the score and factor ordering are identical
// across calls: enabled rules evaluate in ID order and secondary scorers
// in registration order.
type Scorer struct {
	catalog    *rules.Catalog
	evaluator  *rules.Evaluator
	thresholds domain.RiskThresholds
	secondary  []domain.SecondaryScorer
}

// NewScorer creates a risk scorer.
func NewScorer(catalog *rules.Catalog, evaluator *rules.Evaluator, thresholds domain.RiskThresholds, secondary ...domain.SecondaryScorer) *Scorer {
	return &Scorer{
		catalog:    catalog,
		evaluator:  evaluator,
		thresholds: thresholds,
		secondary:  secondary,
	}
}

// Score runs all enabled rules plus the secondary scorers and aggregates
// into a clamped 0-100 score with an ordered factor list.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction, profile *domain.BehavioralProfile) (*domain.RiskScore, []TriggeredRule) {
	var (
		total     float64
		factors   []domain.RiskFactor
		triggered []TriggeredRule
	)

	for _, rule := range s.catalog.Enabled() {
		hit, det := s.evaluator.Evaluate(ctx, rule, tx, profile)
		if !hit {
			continue
		}
		total += rule.Weight
		factors = append(factors, domain.RiskFactor{
			Name:     rule.Name,
			Score:    rule.Weight,
			Category: rule.Type,
			Severity: rule.Severity,
		})
		triggered = append(triggered, TriggeredRule{Rule: rule, Detail: det})
		s.catalog.RecordTrigger(rule.ID)
	}

	for _, sec := range s.secondary {
		for _, f := range sec.Score(tx, profile) {
			total += f.Score
			factors = append(factors, f)
		}
	}

	score := math.Min(100, math.Max(0, total))

	return &domain.RiskScore{
		OverallScore: score,
		Factors:      factors,
		Level:        s.thresholds.Level(score),
		Confidence:   confidence(len(factors)),
		Timestamp:    time.Now().UTC(),
	}, triggered
}

// confidence grows with the number of corroborating factors.
func confidence(factorCount int) float64 {
	c := 0.5 + 0.1*float64(factorCount)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// BehavioralDeviationScorer contributes a fixed score when the amount
// deviates from the user's typical amount by more than 2x.
type BehavioralDeviationScorer struct{}

// Name implements SecondaryScorer.
func (BehavioralDeviationScorer) Name() string { return "behavioral_deviation" }

// Score implements SecondaryScorer.
func (BehavioralDeviationScorer) Score(tx *domain.Transaction, profile *domain.BehavioralProfile) []domain.RiskFactor {
	if profile == nil || profile.TypicalAmount <= 0 {
		return nil
	}
	dev := math.Abs(tx.Amount-profile.TypicalAmount) / profile.TypicalAmount
	if dev <= 2 {
		return nil
	}
	return []domain.RiskFactor{{
		Name:     "Behavioral amount deviation",
		Score:    15,
		Category: domain.RuleTypeBehavior,
		Severity: domain.SeverityMedium,
	}}
}

// TimeDeviationScorer contributes a fixed score when the transaction
// hour is outside the user's usual hours.
type TimeDeviationScorer struct{}

// Name implements SecondaryScorer.
func (TimeDeviationScorer) Name() string { return "time_deviation" }

// Score implements SecondaryScorer.
func (TimeDeviationScorer) Score(tx *domain.Transaction, profile *domain.BehavioralProfile) []domain.RiskFactor {
	if profile == nil || len(profile.UsualHours) == 0 {
		return nil
	}
	if profile.KnowsHour(tx.Hour()) {
		return nil
	}
	return []domain.RiskFactor{{
		Name:     "Unusual transaction hour",
		Score:    5,
		Category: domain.RuleTypeBehavior,
		Severity: domain.SeverityLow,
	}}
}
