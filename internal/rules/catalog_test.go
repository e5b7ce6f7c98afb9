package rules

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func validRule() *domain.FraudRule {
	return &domain.FraudRule{
		ID:   "r-amount",
		Name: "Amount check",
		Type: domain.RuleTypeAmount,
		Condition: domain.RuleCondition{
			Field:     domain.FieldAmount,
			Operator:  domain.OpGT,
			Threshold: 1000,
		},
		Action:   domain.ActionFlag,
		Severity: domain.SeverityMedium,
		Weight:   15,
		Enabled:  true,
	}
}

func TestCatalogLoad(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}

	if err := c.Load(validRule()); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if c.Count() != 1 {
		t.Errorf("expected 1 rule, got %d", c.Count())
	}
}

func TestCatalogRejectsUnknownField(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.Condition.Field = "no_such_field"

	err := c.Load(r)
	if err == nil {
		t.Fatal("expected error for unknown condition field")
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestCatalogRejectsNonPositiveWeight(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.Weight = 0

	if err := c.Load(r); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestCatalogRejectsUnknownEnums(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.Action = "self_destruct"
	if err := c.Load(r); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error for action, got %v", err)
	}

	r = validRule()
	r.Severity = "apocalyptic"
	if err := c.Load(r); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error for severity, got %v", err)
	}
}

func TestCatalogExpressionRule(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.ID = "r-expr"
	r.Condition = domain.RuleCondition{Field: domain.FieldExpression}
	r.Expression = `amount > 500.0 && currency == "USD"`

	if err := c.Load(r); err != nil {
		t.Fatalf("failed to load expression rule: %v", err)
	}
	if _, ok := c.Program("r-expr"); !ok {
		t.Error("expected compiled program for expression rule")
	}
}

func TestCatalogRejectsInvalidExpression(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.Condition = domain.RuleCondition{Field: domain.FieldExpression}
	r.Expression = "this is not CEL !!!"

	if err := c.Load(r); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestCatalogRejectsNonBoolExpression(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.Condition = domain.RuleCondition{Field: domain.FieldExpression}
	r.Expression = "amount * 2.0"

	if err := c.Load(r); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestEnabledOrderingIsDeterministic(t *testing.T) {
	c, _ := NewCatalog()

	ids := []string{"r-zeta", "r-alpha", "r-mid"}
	for _, id := range ids {
		r := validRule()
		r.ID = id
		if err := c.Load(r); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}

	enabled := c.Enabled()
	if len(enabled) != 3 {
		t.Fatalf("expected 3 enabled rules, got %d", len(enabled))
	}
	for i := 1; i < len(enabled); i++ {
		if enabled[i-1].ID >= enabled[i].ID {
			t.Errorf("enabled rules not sorted: %s before %s", enabled[i-1].ID, enabled[i].ID)
		}
	}
}

func TestDisabledRulesExcluded(t *testing.T) {
	c, _ := NewCatalog()

	r := validRule()
	r.Enabled = false
	if err := c.Load(r); err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(c.Enabled()) != 0 {
		t.Error("disabled rule must not appear in Enabled()")
	}
	if c.Count() != 1 {
		t.Error("disabled rule should still be in the catalog")
	}
}

func TestReloadReplacesRules(t *testing.T) {
	c, _ := NewCatalog()
	if err := c.Load(validRule()); err != nil {
		t.Fatalf("load: %v", err)
	}

	r2 := validRule()
	r2.ID = "r-other"
	if err := c.Reload([]*domain.FraudRule{r2}); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, ok := c.Get("r-amount"); ok {
		t.Error("old rule should be gone after reload")
	}
	if _, ok := c.Get("r-other"); !ok {
		t.Error("new rule should be present after reload")
	}
}

func TestRecordTrigger(t *testing.T) {
	c, _ := NewCatalog()
	if err := c.Load(validRule()); err != nil {
		t.Fatalf("load: %v", err)
	}

	c.RecordTrigger("r-amount")
	c.RecordTrigger("r-amount")

	r, _ := c.Get("r-amount")
	if r.TriggerCount != 2 {
		t.Errorf("expected trigger count 2, got %d", r.TriggerCount)
	}
	if r.LastTriggered == nil {
		t.Error("expected last-triggered timestamp")
	}
}

func TestDefaultRulesAllValid(t *testing.T) {
	c, _ := NewCatalog()
	if err := c.LoadAll(DefaultRules()); err != nil {
		t.Fatalf("default rules must validate: %v", err)
	}
}
