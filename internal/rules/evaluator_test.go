package rules

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeHistory returns fixed counts.
type fakeHistory struct {
	txCount     int64
	failedCount int64
}

func (f *fakeHistory) TransactionCount(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	return f.txCount, nil
}

func (f *fakeHistory) FailedAttemptCount(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	return f.failedCount, nil
}

// fakeCycles returns a fixed cycle.
type fakeCycles struct {
	cycle []string
}

func (f *fakeCycles) HasCycle(start string) []string { return f.cycle }

// fakeFeed flags a single IP.
type fakeFeed struct{ bad string }

func (f *fakeFeed) IsSuspicious(ip string) bool { return ip == f.bad }

func newTestEvaluator(t *testing.T, history domain.HistoryQuery, cycles CycleDetector, feed domain.ThreatFeed) (*Catalog, *Evaluator) {
	t.Helper()
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c, NewEvaluator(c, history, cycles, feed, 3600)
}

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ID:       "tx-1",
		TenantID: "t-1",
		Type:     "payment",
		UserID:   "user-1",
		Amount:   15000,
		Currency: "USD",
		Location: "US-NY",
		DeviceID: "dev-9",
		Timestamp: time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC),
	}
}

func TestAmountComparator(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-large",
		Condition: domain.RuleCondition{
			Field:     domain.FieldAmount,
			Operator:  domain.OpGT,
			Threshold: 10000,
		},
	}

	triggered, det := ev.Evaluate(context.Background(), rule, testTx(), nil)
	if !triggered {
		t.Fatal("expected amount rule to trigger on 15000 > 10000")
	}
	if det["amount"] != 15000.0 {
		t.Errorf("detail amount = %v", det["amount"])
	}

	low := testTx()
	low.Amount = 50
	if triggered, _ := ev.Evaluate(context.Background(), rule, low, nil); triggered {
		t.Error("amount rule must not trigger on 50")
	}
}

func TestAmountDeviationComparator(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-dev",
		Condition: domain.RuleCondition{
			Field:     domain.FieldAmountDeviation,
			Operator:  domain.OpGT,
			Threshold: 2,
		},
	}

	profile := &domain.BehavioralProfile{UserID: "user-1", TypicalAmount: 100}
	triggered, det := ev.Evaluate(context.Background(), rule, testTx(), profile)
	if !triggered {
		t.Fatal("15000 vs typical 100 must trigger deviation rule")
	}
	if det["deviation_ratio"].(float64) < 100 {
		t.Errorf("unexpected deviation ratio %v", det["deviation_ratio"])
	}

	// No profile baseline: never triggers.
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), nil); triggered {
		t.Error("deviation rule must not trigger without a profile")
	}
}

func TestVelocityComparatorUsesHistory(t *testing.T) {
	_, ev := newTestEvaluator(t, &fakeHistory{txCount: 12}, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-vel",
		Condition: domain.RuleCondition{
			Field:      domain.FieldVelocity,
			Operator:   domain.OpGT,
			Threshold:  10,
			WindowSecs: 3600,
		},
	}

	triggered, det := ev.Evaluate(context.Background(), rule, testTx(), nil)
	if !triggered {
		t.Fatal("12 transactions > 10 must trigger velocity rule")
	}
	if det["count"].(int64) != 12 {
		t.Errorf("detail count = %v", det["count"])
	}
}

func TestFailedAttemptsComparator(t *testing.T) {
	_, ev := newTestEvaluator(t, &fakeHistory{failedCount: 5}, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-failed",
		Condition: domain.RuleCondition{
			Field:      domain.FieldFailedAttempts,
			Operator:   domain.OpGT,
			Threshold:  3,
			WindowSecs: 900,
		},
	}

	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), nil); !triggered {
		t.Error("5 failed attempts > 3 must trigger")
	}
}

func TestLocationComparatorAgainstProfile(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-loc",
		Condition: domain.RuleCondition{
			Field:    domain.FieldLocation,
			Operator: domain.OpNotIn,
		},
	}

	known := &domain.BehavioralProfile{UsualLocations: []string{"US-NY", "US-NJ"}}
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), known); triggered {
		t.Error("known location must not trigger")
	}

	stranger := &domain.BehavioralProfile{UsualLocations: []string{"DE-BE"}}
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), stranger); !triggered {
		t.Error("unseen location must trigger")
	}

	// Cold start: empty baseline never triggers.
	empty := &domain.BehavioralProfile{}
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), empty); triggered {
		t.Error("empty baseline must not trigger")
	}
}

func TestLocationComparatorAgainstExplicitSet(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-highrisk-geo",
		Condition: domain.RuleCondition{
			Field:    domain.FieldLocation,
			Operator: domain.OpIn,
			Values:   []string{"US-NY", "KP", "IR"},
		},
	}

	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), nil); !triggered {
		t.Error("location in explicit set must trigger with op in")
	}
}

func TestHourComparator(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID: "r-hour",
		Condition: domain.RuleCondition{
			Field:    domain.FieldHour,
			Operator: domain.OpNotIn,
		},
	}

	// testTx is at 03:00; profile knows business hours only.
	profile := &domain.BehavioralProfile{UsualHours: []int{9, 10, 11, 14, 15}}
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), profile); !triggered {
		t.Error("3am tx against business-hours profile must trigger")
	}

	profile.UsualHours = append(profile.UsualHours, 3)
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), profile); triggered {
		t.Error("usual hour must not trigger")
	}
}

func TestCircularPatternComparator(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, &fakeCycles{cycle: []string{"user-1", "x", "user-1"}}, nil)

	rule := &domain.FraudRule{
		ID:        "r-circ",
		Condition: domain.RuleCondition{Field: domain.FieldCircularPattern},
	}

	triggered, det := ev.Evaluate(context.Background(), rule, testTx(), nil)
	if !triggered {
		t.Fatal("cycle must trigger pattern rule")
	}
	if det["cycle"] == nil {
		t.Error("expected cycle detail")
	}

	_, ev = newTestEvaluator(t, nil, &fakeCycles{}, nil)
	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), nil); triggered {
		t.Error("no cycle must not trigger")
	}
}

func TestSuspiciousIPComparator(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, &fakeFeed{bad: "203.0.113.7"})

	rule := &domain.FraudRule{
		ID:        "r-ip",
		Condition: domain.RuleCondition{Field: domain.FieldIPAddress},
	}

	tx := testTx()
	tx.IPAddress = "203.0.113.7"
	if triggered, _ := ev.Evaluate(context.Background(), rule, tx, nil); !triggered {
		t.Error("feed-listed IP must trigger")
	}

	tx.IPAddress = "198.51.100.9"
	if triggered, _ := ev.Evaluate(context.Background(), rule, tx, nil); triggered {
		t.Error("clean IP must not trigger")
	}
}

func TestExpressionComparator(t *testing.T) {
	c, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID:   "r-expr",
		Name: "High USD amount",
		Type: domain.RuleTypeAmount,
		Condition: domain.RuleCondition{
			Field: domain.FieldExpression,
		},
		Expression: `amount > 10000.0 && currency == "USD"`,
		Action:     domain.ActionFlag,
		Severity:   domain.SeverityMedium,
		Weight:     10,
		Enabled:    true,
	}
	if err := c.Load(rule); err != nil {
		t.Fatalf("load: %v", err)
	}

	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), nil); !triggered {
		t.Error("expression must trigger for 15000 USD")
	}

	eur := testTx()
	eur.Currency = "EUR"
	if triggered, _ := ev.Evaluate(context.Background(), rule, eur, nil); triggered {
		t.Error("expression must not trigger for EUR")
	}
}

func TestUnknownFieldFailsSafe(t *testing.T) {
	_, ev := newTestEvaluator(t, nil, nil, nil)

	rule := &domain.FraudRule{
		ID:        "r-bogus",
		Condition: domain.RuleCondition{Field: "bogus_field"},
	}

	if triggered, _ := ev.Evaluate(context.Background(), rule, testTx(), nil); triggered {
		t.Error("unknown field must never trigger")
	}
}
