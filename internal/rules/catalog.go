// Package rules provides the fraud-rule catalog and evaluator.
package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Catalog holds the loaded fraud rules. Immutable at runtime except for
// trigger counters and explicit reloads.
type Catalog struct {
	mu       sync.RWMutex
	rules    map[string]*domain.FraudRule
	programs map[string]cel.Program
	env      *cel.Env
}

// NewCatalog creates an empty rule catalog with a CEL environment for
// expression rules.
func NewCatalog() (*Catalog, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("counterparty_id", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("location", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("typical_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Catalog{
		rules:    make(map[string]*domain.FraudRule),
		programs: make(map[string]cel.Program),
		env:      env,
	}, nil
}

// Validate checks a rule without loading it. Unknown condition fields,
// non-positive weights, unknown enum values and uncompilable expressions
// are configuration errors rejected at load time.
func (c *Catalog) Validate(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrConfiguration)
	}
	if rule.Weight <= 0 {
		return fmt.Errorf("%w: rule %s: weight must be positive", domain.ErrConfiguration, rule.ID)
	}
	if !domain.ValidRuleType(rule.Type) {
		return fmt.Errorf("%w: rule %s: unknown rule type %q", domain.ErrConfiguration, rule.ID, rule.Type)
	}
	if !domain.ValidRuleAction(rule.Action) {
		return fmt.Errorf("%w: rule %s: unknown action %q", domain.ErrConfiguration, rule.ID, rule.Action)
	}
	if !domain.ValidSeverity(rule.Severity) {
		return fmt.Errorf("%w: rule %s: unknown severity %q", domain.ErrConfiguration, rule.ID, rule.Severity)
	}

	switch rule.Condition.Field {
	case domain.FieldVelocity, domain.FieldAmount, domain.FieldAmountDeviation,
		domain.FieldLocation, domain.FieldDevice, domain.FieldHour,
		domain.FieldFailedAttempts, domain.FieldCircularPattern, domain.FieldIPAddress:
		// registered comparator
	case domain.FieldExpression:
		if _, err := c.compile(rule); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: rule %s: no comparator registered for condition field %q",
			domain.ErrConfiguration, rule.ID, rule.Condition.Field)
	}
	return nil
}

// Load validates and loads a single rule into the catalog.
func (c *Catalog) Load(rule *domain.FraudRule) error {
	if err := c.Validate(rule); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rule.Condition.Field == domain.FieldExpression {
		prog, err := c.compile(rule)
		if err != nil {
			return err
		}
		c.programs[rule.ID] = prog
	}
	c.rules[rule.ID] = rule
	return nil
}

// LoadAll validates and loads multiple rules. The first invalid rule
// aborts the load.
func (c *Catalog) LoadAll(rules []*domain.FraudRule) error {
	for _, r := range rules {
		if err := c.Load(r); err != nil {
			return err
		}
	}
	return nil
}

// Reload atomically replaces all rules (hot reload from the repository).
func (c *Catalog) Reload(rules []*domain.FraudRule) error {
	newRules := make(map[string]*domain.FraudRule, len(rules))
	newPrograms := make(map[string]cel.Program)

	for _, r := range rules {
		if err := c.Validate(r); err != nil {
			return err
		}
		if r.Condition.Field == domain.FieldExpression {
			prog, err := c.compile(r)
			if err != nil {
				return err
			}
			newPrograms[r.ID] = prog
		}
		newRules[r.ID] = r
	}

	c.mu.Lock()
	c.rules = newRules
	c.programs = newPrograms
	c.mu.Unlock()
	return nil
}

// Enabled returns the enabled rules ordered by ID. Stable ordering keeps
// scoring deterministic across calls.
func (c *Catalog) Enabled() []*domain.FraudRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.FraudRule, 0, len(c.rules))
	for _, r := range c.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all rules ordered by ID.
func (c *Catalog) List() []*domain.FraudRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.FraudRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the rule with the given ID.
func (c *Catalog) Get(id string) (*domain.FraudRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[id]
	return r, ok
}

// Program returns the compiled CEL program for an expression rule.
func (c *Catalog) Program(ruleID string) (cel.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[ruleID]
	return p, ok
}

// RecordTrigger increments a rule's trigger counters.
func (c *Catalog) RecordTrigger(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rules[ruleID]; ok {
		r.TriggerCount++
		now := time.Now().UTC()
		r.LastTriggered = &now
	}
}

// TriggerCounts returns a snapshot of per-rule trigger counts.
func (c *Catalog) TriggerCounts() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.rules))
	for id, r := range c.rules {
		out[id] = r.TriggerCount
	}
	return out
}

// Count returns the number of loaded rules.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

func (c *Catalog) compile(rule *domain.FraudRule) (cel.Program, error) {
	if rule.Expression == "" {
		return nil, fmt.Errorf("%w: rule %s: expression rule without expression", domain.ErrConfiguration, rule.ID)
	}

	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrConfiguration, rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s",
			domain.ErrConfiguration, rule.ID, ast.OutputType())
	}

	prog, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrConfiguration, rule.ID, err)
	}
	return prog, nil
}
