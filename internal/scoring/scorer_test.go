package scoring

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func defaultThresholds() domain.RiskThresholds {
	return domain.RiskThresholds{Medium: 30, High: 60, Critical: 95}
}

func newScorer(t *testing.T, ruleSet []*domain.FraudRule, secondary ...domain.SecondaryScorer) *Scorer {
	t.Helper()
	catalog, err := rules.NewCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if err := catalog.LoadAll(ruleSet); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	ev := rules.NewEvaluator(catalog, nil, nil, nil, 3600)
	return NewScorer(catalog, ev, defaultThresholds(), secondary...)
}

func amountRule(id string, threshold, weight float64) *domain.FraudRule {
	return &domain.FraudRule{
		ID:   id,
		Name: id,
		Type: domain.RuleTypeAmount,
		Condition: domain.RuleCondition{
			Field:     domain.FieldAmount,
			Operator:  domain.OpGT,
			Threshold: threshold,
		},
		Action:   domain.ActionFlag,
		Severity: domain.SeverityMedium,
		Weight:   weight,
		Enabled:  true,
	}
}

func deviationRule() *domain.FraudRule {
	return &domain.FraudRule{
		ID:   "rule-amount-deviation",
		Name: "Amount deviation",
		Type: domain.RuleTypeBehavior,
		Condition: domain.RuleCondition{
			Field:     domain.FieldAmountDeviation,
			Operator:  domain.OpGT,
			Threshold: 2,
		},
		Action:   domain.ActionFlag,
		Severity: domain.SeverityHigh,
		Weight:   25,
		Enabled:  true,
	}
}

func tx(amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-1",
		TenantID:  "t-1",
		UserID:    "user-1",
		Amount:    amount,
		Currency:  "USD",
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestQuietTransactionScoresZero(t *testing.T) {
	s := newScorer(t, []*domain.FraudRule{amountRule("r-large", 10000, 15)})

	score, triggered := s.Score(context.Background(), tx(50), nil)
	if score.OverallScore != 0 {
		t.Errorf("score = %v, want 0", score.OverallScore)
	}
	if score.Level != domain.RiskLow {
		t.Errorf("level = %v, want low", score.Level)
	}
	if len(score.Factors) != 0 || len(triggered) != 0 {
		t.Error("no factors or triggered rules expected")
	}
}

func TestScoreClampedToHundred(t *testing.T) {
	ruleSet := []*domain.FraudRule{
		amountRule("r-a", 10, 60),
		amountRule("r-b", 20, 60),
		amountRule("r-c", 30, 60),
	}
	s := newScorer(t, ruleSet)

	score, _ := s.Score(context.Background(), tx(1000), nil)
	if score.OverallScore != 100 {
		t.Errorf("score = %v, want 100 (clamped)", score.OverallScore)
	}
	if score.Level != domain.RiskCritical {
		t.Errorf("level = %v, want critical", score.Level)
	}
}

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		weight float64
		want   domain.RiskLevel
	}{
		{10, domain.RiskLow},
		{30, domain.RiskMedium},
		{59, domain.RiskMedium},
		{60, domain.RiskHigh},
		{94, domain.RiskHigh},
		{95, domain.RiskCritical},
	}

	for _, tc := range cases {
		s := newScorer(t, []*domain.FraudRule{amountRule("r-x", 1, tc.weight)})
		score, _ := s.Score(context.Background(), tx(100), nil)
		if score.Level != tc.want {
			t.Errorf("weight %v: level = %v, want %v", tc.weight, score.Level, tc.want)
		}
	}
}

// Scenario: amount 15000 against a profile with typical amount 100 must
// trigger both the deviation and large-amount rules plus the behavioral
// secondary scorer, landing at least at medium.
func TestLargeDeviationScenario(t *testing.T) {
	ruleSet := []*domain.FraudRule{
		deviationRule(),
		amountRule("rule-large-amount", 10000, 15),
	}
	s := newScorer(t, ruleSet, BehavioralDeviationScorer{})

	profile := &domain.BehavioralProfile{UserID: "user-1", TypicalAmount: 100}
	score, triggered := s.Score(context.Background(), tx(15000), profile)

	if len(triggered) != 2 {
		t.Fatalf("expected 2 triggered rules, got %d", len(triggered))
	}
	if score.OverallScore < 40 {
		t.Errorf("score = %v, want >= 40", score.OverallScore)
	}
	if !score.Level.AtLeast(domain.RiskMedium) {
		t.Errorf("level = %v, want at least medium", score.Level)
	}
}

func TestDeterministicFactorOrdering(t *testing.T) {
	ruleSet := []*domain.FraudRule{
		amountRule("r-zeta", 10, 5),
		amountRule("r-alpha", 10, 5),
		amountRule("r-mid", 10, 5),
	}
	s := newScorer(t, ruleSet, TimeDeviationScorer{})

	profile := &domain.BehavioralProfile{UsualHours: []int{3}}

	first, _ := s.Score(context.Background(), tx(100), profile)
	for i := 0; i < 5; i++ {
		again, _ := s.Score(context.Background(), tx(100), profile)
		if again.OverallScore != first.OverallScore {
			t.Fatalf("score changed across calls: %v vs %v", again.OverallScore, first.OverallScore)
		}
		if !reflect.DeepEqual(factorNames(first), factorNames(again)) {
			t.Fatalf("factor ordering changed: %v vs %v", factorNames(first), factorNames(again))
		}
	}

	// Rules evaluate in ID order.
	names := factorNames(first)
	if names[0] != "r-alpha" || names[1] != "r-mid" || names[2] != "r-zeta" {
		t.Errorf("rule factors not in ID order: %v", names)
	}
	// Secondary factors come after rule factors.
	if names[len(names)-1] != "Unusual transaction hour" {
		t.Errorf("secondary factor should be last: %v", names)
	}
}

func factorNames(s *domain.RiskScore) []string {
	out := make([]string, len(s.Factors))
	for i, f := range s.Factors {
		out[i] = f.Name
	}
	return out
}

func TestTimeDeviationScorer(t *testing.T) {
	sc := TimeDeviationScorer{}

	profile := &domain.BehavioralProfile{UsualHours: []int{9, 10}}
	factors := sc.Score(tx(100), profile) // tx at hour 10
	if len(factors) != 0 {
		t.Error("usual hour must not add a factor")
	}

	profile.UsualHours = []int{1, 2}
	factors = sc.Score(tx(100), profile)
	if len(factors) != 1 || factors[0].Score != 5 {
		t.Errorf("unusual hour should add score-5 factor, got %v", factors)
	}

	// Cold start: no usual hours, no factor.
	if got := sc.Score(tx(100), &domain.BehavioralProfile{}); len(got) != 0 {
		t.Error("empty profile must not add a factor")
	}
}

func TestBehavioralDeviationScorer(t *testing.T) {
	sc := BehavioralDeviationScorer{}

	profile := &domain.BehavioralProfile{TypicalAmount: 100}
	if got := sc.Score(tx(250), profile); len(got) != 0 {
		t.Error("1.5x deviation must not add a factor")
	}
	if got := sc.Score(tx(350), profile); len(got) != 1 || got[0].Score != 15 {
		t.Errorf("2.5x deviation should add score-15 factor, got %v", got)
	}
}
