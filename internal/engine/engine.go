// Package engine wires scoring, alerting, workflow orchestration and
// compliance screening into the operations the API exposes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/workflow"
)

// edgeRetention bounds how long counterparty transfer edges stay in the
// pattern graph.
const edgeRetention = time.Hour

// Engine is the fraud engine façade. All state lives in the injected
// repository/cache/bus and the owned component stores; Engine itself
// holds no mutable fields after construction and is safe for concurrent
// use.
type Engine struct {
	cfg *domain.Config

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	catalog  *rules.Catalog
	scorer   *scoring.Scorer
	profiles *profile.Store
	alerts   *alerts.Manager
	orch     *workflow.Orchestrator
	checker  *compliance.Checker
	graph    *graph.Graph
	velocity *velocity.Tracker
	feed     *graph.StaticThreatFeed
}

// Analysis is the outcome of one AnalyzeTransaction call.
type Analysis struct {
	Score          *domain.RiskScore    `json:"score"`
	Alerts         []*domain.FraudAlert `json:"alerts,omitempty"`
	ActionRequired bool                 `json:"actionRequired"`

	// RequireMFA is set for high-or-above analyses when the
	// MFA-for-high-risk toggle is on.
	RequireMFA bool `json:"requireMfa,omitempty"`

	// Blocked is set when auto-block is on and a triggered rule carries
	// a block or freeze action.
	Blocked bool `json:"blocked,omitempty"`
}

// New builds a fully wired engine. The rule set starts empty; call
// LoadRules before serving traffic.
func New(cfg *domain.Config, repo domain.Repository, cache domain.Cache, bus domain.EventBus) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog, err := rules.NewCatalog()
	if err != nil {
		return nil, fmt.Errorf("building rule catalog: %w", err)
	}

	g := graph.New(edgeRetention)
	feed := graph.NewStaticThreatFeed()
	vel := velocity.NewTracker(repo, cache, time.Duration(cfg.Risk.DefaultVelocityWindow)*time.Second)
	evaluator := rules.NewEvaluator(catalog, vel, g, feed, cfg.Risk.DefaultVelocityWindow)
	scorer := scoring.NewScorer(catalog, evaluator, cfg.Risk.Thresholds,
		scoring.BehavioralDeviationScorer{}, scoring.TimeDeviationScorer{})

	profiles := profile.NewStore(repo, cache, profile.Config{
		RingSize: cfg.Risk.ProfileRingSize,
		CacheTTL: cfg.Cache.LocalTTL,
	})

	e := &Engine{
		cfg:      cfg,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		catalog:  catalog,
		scorer:   scorer,
		profiles: profiles,
		alerts:   alerts.NewManager(repo, bus),
		orch:     workflow.NewOrchestrator(cfg.Verification, repo, bus),
		checker:  compliance.NewChecker(cfg.Compliance, repo, bus),
		graph:    g,
		velocity: vel,
		feed:     feed,
	}

	// Compliance screening runs after every workflow decision. Results
	// are recorded and published but never rewrite the decision.
	e.orch.OnComplete(func(ctx context.Context, v *domain.PaymentVerification) {
		results := e.checker.Screen(ctx, v)
		for _, r := range results {
			if !r.Passed {
				slog.Warn("compliance violation after decision",
					"verification_id", v.ID,
					"check", r.Type,
					"violations", len(r.Violations),
				)
			}
		}
	})

	return e, nil
}

// LoadRules replaces the active rule set. Invalid rules reject the whole
// batch so a bad deploy cannot partially load.
func (e *Engine) LoadRules(ruleSet []*domain.FraudRule) error {
	return e.catalog.Reload(ruleSet)
}

// Catalog exposes the rule catalog for the management API.
func (e *Engine) Catalog() *rules.Catalog { return e.catalog }

// RegisterStepProvider installs the executor for one verification step type.
func (e *Engine) RegisterStepProvider(t domain.StepType, p domain.StepProvider) {
	e.orch.RegisterProvider(t, p)
}

// SetDefaultStepProvider installs the fallback executor for step types
// without a registered provider.
func (e *Engine) SetDefaultStepProvider(p domain.StepProvider) {
	e.orch.SetDefaultProvider(p)
}

// ThreatFeed exposes the suspicious-IP feed for configuration loading.
func (e *Engine) ThreatFeed() *graph.StaticThreatFeed { return e.feed }

// AnalyzeTransaction scores one transaction, materializes alerts for
// triggered rules and folds the transaction into the user's behavioral
// baseline. Analyses for distinct users run fully in parallel; two
// analyses for the same user serialize on the per-user profile lock.
func (e *Engine) AnalyzeTransaction(ctx context.Context, tx *domain.Transaction) (*Analysis, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", domain.ErrInvalidInput)
	}
	if tx.TenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if tx.UserID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = domain.TxStatusCompleted
	}

	unlock := e.profiles.Lock(tx.TenantID, tx.UserID)
	defer unlock()

	prof := e.profiles.Get(ctx, tx.TenantID, tx.UserID)
	score, triggered := e.scorer.Score(ctx, tx, prof)

	analysis := &Analysis{Score: score}
	for _, tr := range triggered {
		detail := tr.Detail
		if e.cfg.Risk.AutoBlock && blockingAction(tr.Rule.Action) {
			if detail == nil {
				detail = map[string]interface{}{}
			}
			detail["action"] = string(tr.Rule.Action)
			analysis.Blocked = true
		}
		a := e.alerts.OnRuleTriggered(ctx, tr.Rule, tx, score.OverallScore, score.Factors, detail)
		analysis.Alerts = append(analysis.Alerts, a)
	}

	// The transaction only feeds the baseline after scoring, so the
	// current analysis never sees its own observation.
	e.profiles.Observe(ctx, tx)

	if tx.CounterpartyID != "" {
		e.graph.RecordTransfer(tx.UserID, tx.CounterpartyID, tx.Timestamp)
	}
	e.velocity.Record(ctx, tx)

	if e.repo != nil {
		if err := e.repo.SaveTransaction(ctx, tx.TenantID, tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
	}

	analysis.ActionRequired = actionRequired(score.Level, analysis.Alerts) || analysis.Blocked
	if e.cfg.Risk.RequireMFAHighRisk && score.Level.AtLeast(domain.RiskHigh) {
		analysis.RequireMFA = true
	}

	e.publishScored(ctx, tx, analysis)
	return analysis, nil
}

// StartVerification analyzes the payment, builds the level-matched
// workflow and starts it. The returned record reflects the workflow
// state at return time; execution proceeds asynchronously.
func (e *Engine) StartVerification(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentVerification, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil payment request", domain.ErrInvalidInput)
	}
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	analysis, err := e.AnalyzeTransaction(ctx, req.ToTransaction())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	v := &domain.PaymentVerification{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		PaymentID: req.ID,
		UserID:    req.UserID,
		Payment:   req,
		Risk:      analysis.Score,
		Workflow:  workflow.Build(analysis.Score.Level, e.cfg.Verification),
		Decision:  domain.DecisionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.orch.Start(ctx, v); err != nil {
		return nil, err
	}
	// The orchestrator owns the record once started; hand back a
	// detached snapshot instead of the live pointer.
	return e.orch.Get(ctx, v.TenantID, v.ID)
}

// GetVerificationStatus returns the verification by ID, with lazy expiry
// applied first. Records no longer in memory fall back to the repository
// under the same tenant.
func (e *Engine) GetVerificationStatus(ctx context.Context, tenantID, id string) (*domain.PaymentVerification, error) {
	return e.orch.Get(ctx, tenantID, id)
}

// RetryVerificationStep retries a failed step immediately. Valid only
// while the step is failed with retry budget remaining.
func (e *Engine) RetryVerificationStep(ctx context.Context, id, stepID string) error {
	return e.orch.RetryStep(ctx, id, stepID)
}

// OverrideDecision replaces the workflow outcome with a manual decision.
func (e *Engine) OverrideDecision(ctx context.Context, id string, decision domain.Decision, actor, reason string) error {
	return e.orch.OverrideDecision(ctx, id, decision, actor, reason)
}

// CancelVerification stops a workflow; pending retries are cancelled and
// remaining steps are skipped.
func (e *Engine) CancelVerification(ctx context.Context, id, actor, reason string) error {
	return e.orch.Cancel(ctx, id, actor, reason)
}

// ResolveAlert closes an alert with resolution notes.
func (e *Engine) ResolveAlert(ctx context.Context, alertID, notes, resolver string) error {
	return e.alerts.Resolve(ctx, alertID, notes, resolver)
}

// MarkAlertFalsePositive closes an alert as a false positive.
func (e *Engine) MarkAlertFalsePositive(ctx context.Context, alertID, notes, resolver string) error {
	return e.alerts.MarkFalsePositive(ctx, alertID, notes, resolver)
}

// EscalateAlert escalates an alert, reopening its case if any.
func (e *Engine) EscalateAlert(ctx context.Context, alertID, reason string) error {
	return e.alerts.Escalate(ctx, alertID, reason)
}

// GetAlert returns an alert by ID.
func (e *Engine) GetAlert(alertID string) (*domain.FraudAlert, error) {
	return e.alerts.Get(alertID)
}

// ListAlerts returns alerts newest-first, optionally filtered by status.
func (e *Engine) ListAlerts(status domain.AlertStatus, limit int) []*domain.FraudAlert {
	return e.alerts.List(status, limit)
}

// CreateFraudCase groups existing alerts into an investigation case.
func (e *Engine) CreateFraudCase(ctx context.Context, alertIDs []string, title, description string) (*domain.FraudCase, error) {
	return e.alerts.CreateCase(ctx, alertIDs, title, description)
}

// GetFraudCase returns a case by ID.
func (e *Engine) GetFraudCase(caseID string) (*domain.FraudCase, error) {
	return e.alerts.GetCase(caseID)
}

// AddAlertToCase attaches an existing alert to a case, recomputing its
// priority. A critical alert reopens a resolved case.
func (e *Engine) AddAlertToCase(ctx context.Context, caseID, alertID string) error {
	return e.alerts.AddAlertToCase(ctx, caseID, alertID)
}

// GetFraudStats returns the alert/case/trigger aggregate snapshot.
func (e *Engine) GetFraudStats() domain.FraudStats {
	stats := e.alerts.Stats()
	stats.RuleTriggers = e.catalog.TriggerCounts()
	return stats
}

// GetVerificationStats returns the workflow aggregate snapshot.
func (e *Engine) GetVerificationStats() domain.VerificationStats {
	return e.orch.Stats()
}

// SweepExpired expires in-flight workflows past their deadline and
// returns how many it expired.
func (e *Engine) SweepExpired(ctx context.Context) int {
	return e.orch.SweepExpired(ctx)
}

// Close stops the orchestrator's pending timers. In-flight workflow
// state stays in the repository.
func (e *Engine) Close() {
	e.orch.Close()
}

func (e *Engine) publishScored(ctx context.Context, tx *domain.Transaction, a *Analysis) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"transactionId":  tx.ID,
		"userId":         tx.UserID,
		"score":          a.Score.OverallScore,
		"level":          a.Score.Level,
		"alertCount":     len(a.Alerts),
		"actionRequired": a.ActionRequired,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, tx.TenantID, domain.TopicRiskScored, payload); err != nil {
		slog.Warn("failed to publish risk-scored event", "tx_id", tx.ID, "error", err)
	}
}

func actionRequired(level domain.RiskLevel, alertList []*domain.FraudAlert) bool {
	if level.AtLeast(domain.RiskHigh) {
		return true
	}
	for _, a := range alertList {
		if a.Severity == domain.SeverityCritical {
			return true
		}
	}
	return false
}

func blockingAction(a domain.RuleAction) bool {
	return a == domain.ActionBlock || a == domain.ActionFreeze
}
