package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// CycleDetector answers circular-flow queries over the counterparty graph.
type CycleDetector interface {
	HasCycle(start string) []string
}

// Evaluator evaluates one rule against one transaction and profile.
// Window-bounded counts come from the injected HistoryQuery, never
// computed in-process.
type Evaluator struct {
	catalog       *Catalog
	history       domain.HistoryQuery
	cycles        CycleDetector
	feed          domain.ThreatFeed
	defaultWindow time.Duration
}

// NewEvaluator creates a rule evaluator.
func NewEvaluator(catalog *Catalog, history domain.HistoryQuery, cycles CycleDetector, feed domain.ThreatFeed, defaultWindowSecs int) *Evaluator {
	if defaultWindowSecs <= 0 {
		defaultWindowSecs = 3600
	}
	return &Evaluator{
		catalog:       catalog,
		history:       history,
		cycles:        cycles,
		feed:          feed,
		defaultWindow: time.Duration(defaultWindowSecs) * time.Second,
	}
}

// Evaluate returns whether the rule triggered plus supporting detail.
// A condition field with no registered comparator never triggers; it is
// logged as a configuration defect (validateRules rejects it at load,
// so reaching this path means the catalog was bypassed).
func (e *Evaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction, profile *domain.BehavioralProfile) (bool, map[string]interface{}) {
	cond := rule.Condition

	switch cond.Field {
	case domain.FieldAmount:
		return e.compare(tx.Amount, cond), detail("amount", tx.Amount, "threshold", cond.Threshold)

	case domain.FieldAmountDeviation:
		if profile == nil || profile.TypicalAmount <= 0 {
			return false, nil
		}
		dev := tx.Amount - profile.TypicalAmount
		if dev < 0 {
			dev = -dev
		}
		ratio := dev / profile.TypicalAmount
		return e.compare(ratio, cond), detail(
			"typical_amount", profile.TypicalAmount,
			"deviation_ratio", ratio,
		)

	case domain.FieldVelocity:
		count, err := e.windowCount(ctx, tx, cond, false)
		if err != nil {
			slog.Warn("velocity count unavailable", "rule_id", rule.ID, "error", err)
			return false, nil
		}
		return e.compare(float64(count), cond), detail(
			"count", count,
			"window_secs", int(e.window(cond).Seconds()),
		)

	case domain.FieldFailedAttempts:
		count, err := e.windowCount(ctx, tx, cond, true)
		if err != nil {
			slog.Warn("failed-attempt count unavailable", "rule_id", rule.ID, "error", err)
			return false, nil
		}
		return e.compare(float64(count), cond), detail(
			"failed_count", count,
			"window_secs", int(e.window(cond).Seconds()),
		)

	case domain.FieldLocation:
		return e.membership(tx.Location, cond.Values, cond.Operator, profileLocations(profile)),
			detail("location", tx.Location)

	case domain.FieldDevice:
		return e.membership(tx.DeviceID, cond.Values, cond.Operator, profileDevices(profile)),
			detail("device_id", tx.DeviceID)

	case domain.FieldHour:
		hour := strconv.Itoa(tx.Hour())
		return e.membership(hour, cond.Values, cond.Operator, profileHours(profile)),
			detail("hour", tx.Hour())

	case domain.FieldCircularPattern:
		if e.cycles == nil {
			return false, nil
		}
		cycle := e.cycles.HasCycle(tx.UserID)
		if cycle == nil {
			return false, nil
		}
		return true, detail("cycle", cycle)

	case domain.FieldIPAddress:
		if tx.IPAddress == "" {
			return false, nil
		}
		if len(cond.Values) > 0 {
			return e.membership(tx.IPAddress, cond.Values, cond.Operator, nil),
				detail("ip_address", tx.IPAddress)
		}
		if e.feed == nil {
			return false, nil
		}
		return e.feed.IsSuspicious(tx.IPAddress), detail("ip_address", tx.IPAddress)

	case domain.FieldExpression:
		return e.evalExpression(rule, tx, profile)

	default:
		// Fail-safe false: validateRules rejects unknown fields at load
		// time, so this indicates a configuration defect in production.
		slog.Error("no comparator registered for condition field",
			"rule_id", rule.ID,
			"field", string(cond.Field),
		)
		return false, nil
	}
}

// compare applies a numeric operator. Unknown operators never trigger.
func (e *Evaluator) compare(value float64, cond domain.RuleCondition) bool {
	switch cond.Operator {
	case domain.OpGT:
		return value > cond.Threshold
	case domain.OpGTE:
		return value >= cond.Threshold
	case domain.OpLT:
		return value < cond.Threshold
	case domain.OpLTE:
		return value <= cond.Threshold
	case domain.OpEQ:
		return value == cond.Threshold
	default:
		return false
	}
}

// membership evaluates in/not_in conditions. With an explicit value set
// the set is authoritative; with an empty set the user's behavioral
// profile is the baseline, and an empty baseline never triggers
// (cold-start protection).
func (e *Evaluator) membership(value string, set []string, op domain.Operator, baseline []string) bool {
	if value == "" {
		return false
	}

	members := set
	if len(members) == 0 {
		if len(baseline) == 0 {
			return false
		}
		members = baseline
	}

	found := false
	for _, m := range members {
		if m == value {
			found = true
			break
		}
	}

	switch op {
	case domain.OpIn:
		return found
	case domain.OpNotIn:
		return !found
	default:
		return false
	}
}

func (e *Evaluator) evalExpression(rule *domain.FraudRule, tx *domain.Transaction, profile *domain.BehavioralProfile) (bool, map[string]interface{}) {
	prog, ok := e.catalog.Program(rule.ID)
	if !ok {
		slog.Error("expression rule has no compiled program", "rule_id", rule.ID)
		return false, nil
	}

	typical := 0.0
	if profile != nil {
		typical = profile.TypicalAmount
	}

	activation := map[string]interface{}{
		"tx": map[string]interface{}{
			"id":              tx.ID,
			"type":            tx.Type,
			"user_id":         tx.UserID,
			"counterparty_id": tx.CounterpartyID,
			"amount":          tx.Amount,
			"currency":        tx.Currency,
		},
		"amount":          tx.Amount,
		"currency":        tx.Currency,
		"user_id":         tx.UserID,
		"counterparty_id": tx.CounterpartyID,
		"tx_type":         tx.Type,
		"hour":            int64(tx.Hour()),
		"location":        tx.Location,
		"device_id":       tx.DeviceID,
		"ip_address":      tx.IPAddress,
		"typical_amount":  typical,
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		slog.Warn("expression evaluation error", "rule_id", rule.ID, "error", err)
		return false, nil
	}

	if b, ok := out.(types.Bool); ok {
		if bool(b) {
			return true, detail("expression", rule.Expression)
		}
		return false, nil
	}
	return false, nil
}

func (e *Evaluator) window(cond domain.RuleCondition) time.Duration {
	if cond.WindowSecs > 0 {
		return time.Duration(cond.WindowSecs) * time.Second
	}
	return e.defaultWindow
}

func (e *Evaluator) windowCount(ctx context.Context, tx *domain.Transaction, cond domain.RuleCondition, onlyFailed bool) (int64, error) {
	if e.history == nil {
		return 0, fmt.Errorf("no history query configured")
	}
	if onlyFailed {
		return e.history.FailedAttemptCount(ctx, tx.TenantID, tx.UserID, e.window(cond))
	}
	return e.history.TransactionCount(ctx, tx.TenantID, tx.UserID, e.window(cond))
}

func detail(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}

func profileLocations(p *domain.BehavioralProfile) []string {
	if p == nil {
		return nil
	}
	return p.UsualLocations
}

func profileDevices(p *domain.BehavioralProfile) []string {
	if p == nil {
		return nil
	}
	return p.UsualDevices
}

func profileHours(p *domain.BehavioralProfile) []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.UsualHours))
	for i, h := range p.UsualHours {
		out[i] = strconv.Itoa(h)
	}
	return out
}
