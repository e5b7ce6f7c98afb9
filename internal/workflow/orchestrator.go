package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CompletionHook runs after a verification reaches a decision.
type CompletionHook func(ctx context.Context, v *domain.PaymentVerification)

// Orchestrator drives verification workflows to a terminal decision.
// Steps execute in strict ascending order; a step only starts once every
// earlier step is terminal. All state transitions happen under a single
// mutex, so concurrent API calls and timer callbacks serialize cleanly.
type Orchestrator struct {
	mu            sync.Mutex
	verifications map[string]*domain.PaymentVerification

	providers       map[domain.StepType]domain.StepProvider
	defaultProvider domain.StepProvider

	sched *Scheduler
	cfg   domain.VerificationConfig

	repo domain.Repository
	bus  domain.EventBus

	onComplete CompletionHook
}

// NewOrchestrator creates an orchestrator with optional persistence and bus.
func NewOrchestrator(cfg domain.VerificationConfig, repo domain.Repository, bus domain.EventBus) *Orchestrator {
	return &Orchestrator{
		verifications: make(map[string]*domain.PaymentVerification),
		providers:     make(map[domain.StepType]domain.StepProvider),
		defaultProvider: domain.StepProviderFunc(func(ctx context.Context, v *domain.PaymentVerification, step *domain.VerificationStep) error {
			return fmt.Errorf("%w: no provider registered for step type %s", domain.ErrStepExecution, step.Type)
		}),
		sched: NewScheduler(),
		cfg:   cfg,
		repo:  repo,
		bus:   bus,
	}
}

// RegisterProvider installs the executor for a step type.
func (o *Orchestrator) RegisterProvider(t domain.StepType, p domain.StepProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[t] = p
}

// SetDefaultProvider replaces the fallback executor used when no
// provider is registered for a step type.
func (o *Orchestrator) SetDefaultProvider(p domain.StepProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultProvider = p
}

// OnComplete installs a hook invoked once per verification after its
// decision is reached. The hook runs on its own goroutine and receives a
// detached copy of the record.
func (o *Orchestrator) OnComplete(hook CompletionHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onComplete = hook
}

// Start registers a verification and begins executing its workflow.
// An already-expired workflow fails immediately with a reject decision.
// The orchestrator takes ownership of v; callers must not touch it after
// Start returns and should use Get for a detached snapshot.
func (o *Orchestrator) Start(ctx context.Context, v *domain.PaymentVerification) error {
	if v == nil || v.Workflow == nil {
		return fmt.Errorf("%w: verification has no workflow", domain.ErrInvalidInput)
	}

	o.mu.Lock()
	if _, exists := o.verifications[v.ID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: verification %s already started", domain.ErrInvalidInput, v.ID)
	}
	sort.Slice(v.Workflow.Steps, func(i, j int) bool {
		return v.Workflow.Steps[i].Order < v.Workflow.Steps[j].Order
	})
	o.verifications[v.ID] = v
	v.Workflow.Status = domain.WorkflowInProgress
	o.advanceLocked(v)
	o.mu.Unlock()

	o.save(ctx, v)
	return nil
}

// Get returns a detached copy of the verification, applying lazy expiry
// first so callers never observe an in-progress workflow past its
// deadline. Records evicted from memory (after a restart) are read back
// from the repository under the same tenant.
func (o *Orchestrator) Get(ctx context.Context, tenantID, id string) (*domain.PaymentVerification, error) {
	o.mu.Lock()
	v, ok := o.verifications[id]
	if ok && tenantID != "" && v.TenantID != tenantID {
		ok = false
	}
	if ok {
		if !v.Workflow.Status.Terminal() && time.Now().After(v.Workflow.ExpiresAt) {
			o.expireLocked(v)
		}
		snap := v.Clone()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	if o.repo != nil && tenantID != "" {
		return o.repo.GetVerification(ctx, tenantID, id)
	}
	return nil, fmt.Errorf("%w: verification %s", domain.ErrNotFound, id)
}

// RetryStep retries a failed step immediately, bypassing the scheduled
// retry delay. Allowed only while the step is failed with retry budget
// remaining.
func (o *Orchestrator) RetryStep(ctx context.Context, id, stepID string) error {
	o.mu.Lock()
	v, ok := o.verifications[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: verification %s", domain.ErrNotFound, id)
	}
	if !v.Workflow.Status.Terminal() && time.Now().After(v.Workflow.ExpiresAt) {
		o.expireLocked(v)
	}
	if v.Workflow.Status.Terminal() {
		o.mu.Unlock()
		if time.Now().After(v.Workflow.ExpiresAt) {
			return fmt.Errorf("%w: workflow %s", domain.ErrWorkflowExpired, v.Workflow.ID)
		}
		return fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidInput, v.Workflow.ID, v.Workflow.Status)
	}
	step := v.Workflow.Step(stepID)
	if step == nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: step %s", domain.ErrNotFound, stepID)
	}
	if step.Status != domain.StepFailed {
		o.mu.Unlock()
		return fmt.Errorf("%w: step %s is %s, only failed steps can be retried", domain.ErrInvalidInput, stepID, step.Status)
	}
	if step.RetryCount >= step.MaxRetries {
		o.mu.Unlock()
		return fmt.Errorf("%w: step %s exhausted its %d retries", domain.ErrInvalidInput, stepID, step.MaxRetries)
	}

	o.sched.Cancel(timerKey(id, stepID))
	o.retryLocked(v, step, "manual")
	o.mu.Unlock()

	o.save(ctx, v)
	return nil
}

// OverrideDecision replaces the decision regardless of workflow state.
// Pending timers are cancelled and unfinished steps are skipped; the
// override is appended to the audit trail.
func (o *Orchestrator) OverrideDecision(ctx context.Context, id string, decision domain.Decision, actor, reason string) error {
	if !domain.ValidDecision(decision) || decision == domain.DecisionPending {
		return fmt.Errorf("%w: invalid override decision %q", domain.ErrInvalidInput, decision)
	}

	o.mu.Lock()
	v, ok := o.verifications[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: verification %s", domain.ErrNotFound, id)
	}

	o.sched.CancelPrefix(id + ":")
	for _, s := range v.Workflow.Steps {
		if !s.Status.Terminal() {
			s.Status = domain.StepSkipped
		}
	}
	if !v.Workflow.Status.Terminal() {
		now := time.Now().UTC()
		v.Workflow.Status = domain.WorkflowCompleted
		v.Workflow.CompletedAt = &now
	}
	v.Decision = decision
	v.UpdatedAt = time.Now().UTC()
	v.Audit = append(v.Audit, domain.AuditEntry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    "override_decision:" + string(decision),
		Reason:    reason,
	})
	snap := v.Clone()
	o.mu.Unlock()

	slog.Info("verification decision overridden",
		"verification_id", id,
		"decision", string(decision),
		"actor", actor,
	)
	o.finish(ctx, snap)
	return nil
}

// Cancel aborts an in-flight verification. Unfinished steps are skipped
// and no retries fire afterwards.
func (o *Orchestrator) Cancel(ctx context.Context, id, actor, reason string) error {
	o.mu.Lock()
	v, ok := o.verifications[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: verification %s", domain.ErrNotFound, id)
	}
	if v.Workflow.Status.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: workflow %s already %s", domain.ErrInvalidInput, v.Workflow.ID, v.Workflow.Status)
	}

	o.sched.CancelPrefix(id + ":")
	for _, s := range v.Workflow.Steps {
		if !s.Status.Terminal() {
			s.Status = domain.StepSkipped
		}
	}
	now := time.Now().UTC()
	v.Workflow.Status = domain.WorkflowFailed
	v.Workflow.CompletedAt = &now
	v.Decision = domain.DecisionReject
	v.UpdatedAt = now
	v.Audit = append(v.Audit, domain.AuditEntry{
		Timestamp: now,
		Actor:     actor,
		Action:    "cancel",
		Reason:    reason,
	})
	snap := v.Clone()
	o.mu.Unlock()

	o.finish(ctx, snap)
	return nil
}

// SweepExpired expires every in-flight workflow past its deadline.
// Called periodically by the monitor loop.
func (o *Orchestrator) SweepExpired(ctx context.Context) int {
	now := time.Now()
	var expired []*domain.PaymentVerification

	o.mu.Lock()
	for _, v := range o.verifications {
		if !v.Workflow.Status.Terminal() && now.After(v.Workflow.ExpiresAt) {
			o.expireLocked(v)
			expired = append(expired, v)
		}
	}
	o.mu.Unlock()

	for _, v := range expired {
		o.save(ctx, v)
	}
	return len(expired)
}

// Stats returns an aggregate snapshot of tracked verifications.
func (o *Orchestrator) Stats() domain.VerificationStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := domain.VerificationStats{
		ByDecision: make(map[domain.Decision]int64),
		ByStatus:   make(map[domain.WorkflowStatus]int64),
	}
	var scoreSum float64
	for _, v := range o.verifications {
		stats.Total++
		stats.ByDecision[v.Decision]++
		stats.ByStatus[v.Workflow.Status]++
		if !v.Workflow.Status.Terminal() {
			stats.InFlight++
		}
		if v.Risk != nil {
			scoreSum += v.Risk.OverallScore
		}
	}
	if stats.Total > 0 {
		stats.AvgScore = scoreSum / float64(stats.Total)
	}
	return stats
}

// Close stops all pending retries.
func (o *Orchestrator) Close() {
	o.sched.Close()
}

// advanceLocked moves the workflow forward: expire if past deadline,
// launch the next pending step, or decide when no runnable step remains.
// Caller holds o.mu.
func (o *Orchestrator) advanceLocked(v *domain.PaymentVerification) {
	if v.Workflow.Status.Terminal() {
		return
	}
	if time.Now().After(v.Workflow.ExpiresAt) {
		o.expireLocked(v)
		return
	}

	for _, step := range v.Workflow.Steps {
		switch step.Status {
		case domain.StepCompleted, domain.StepSkipped:
			continue
		case domain.StepPending:
			o.launchLocked(v, step)
			return
		case domain.StepInProgress:
			// Waiting on the executing goroutine.
			return
		case domain.StepFailed:
			if step.RetryCount < step.MaxRetries {
				// Waiting on the scheduled retry.
				return
			}
			if step.Required {
				o.decideLocked(v)
				return
			}
			continue
		case domain.StepExpired:
			o.decideLocked(v)
			return
		}
	}
	o.decideLocked(v)
}

// launchLocked marks a step in progress and executes its provider on a
// fresh goroutine so the lock is never held across provider calls.
func (o *Orchestrator) launchLocked(v *domain.PaymentVerification, step *domain.VerificationStep) {
	now := time.Now().UTC()
	step.Status = domain.StepInProgress
	step.StartedAt = &now

	provider, ok := o.providers[step.Type]
	if !ok {
		provider = o.defaultProvider
	}

	go o.execute(v.ID, step.ID, provider)
}

func (o *Orchestrator) execute(id, stepID string, provider domain.StepProvider) {
	ctx := context.Background()

	o.mu.Lock()
	v, ok := o.verifications[id]
	var step *domain.VerificationStep
	if ok {
		step = v.Workflow.Step(stepID)
	}
	if step == nil || step.Status != domain.StepInProgress {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	err := provider.Execute(ctx, v, step)

	o.mu.Lock()
	// A cancel or override may have finished the step while the
	// provider was running; its result no longer matters.
	if step.Status != domain.StepInProgress {
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.failLocked(v, step, err)
	} else {
		now := time.Now().UTC()
		step.Status = domain.StepCompleted
		step.CompletedAt = &now
		step.Error = ""
		slog.Info("verification step completed",
			"verification_id", id,
			"step_id", stepID,
			"step_type", string(step.Type),
		)
		o.advanceLocked(v)
	}
	o.mu.Unlock()

	o.save(ctx, v)
}

// failLocked records a step failure and schedules the automatic retry
// if budget remains; otherwise the workflow is decided. Caller holds o.mu.
func (o *Orchestrator) failLocked(v *domain.PaymentVerification, step *domain.VerificationStep, err error) {
	step.Status = domain.StepFailed
	step.Error = err.Error()

	slog.Warn("verification step failed",
		"verification_id", v.ID,
		"step_id", step.ID,
		"step_type", string(step.Type),
		"retry_count", step.RetryCount,
		"max_retries", step.MaxRetries,
		"error", err,
	)

	if step.RetryCount < step.MaxRetries {
		id, stepID := v.ID, step.ID
		o.sched.After(timerKey(id, stepID), o.cfg.RetryDelay, func() {
			o.mu.Lock()
			v, ok := o.verifications[id]
			if !ok {
				o.mu.Unlock()
				return
			}
			step := v.Workflow.Step(stepID)
			if step == nil || step.Status != domain.StepFailed {
				o.mu.Unlock()
				return
			}
			o.retryLocked(v, step, "auto")
			o.mu.Unlock()
		})
		return
	}

	o.advanceLocked(v)
}

// retryLocked consumes one retry and relaunches the step. Caller holds o.mu.
func (o *Orchestrator) retryLocked(v *domain.PaymentVerification, step *domain.VerificationStep, mode string) {
	if v.Workflow.Status.Terminal() {
		return
	}
	step.RetryCount++
	step.Status = domain.StepPending
	step.Error = ""

	slog.Info("verification step retrying",
		"verification_id", v.ID,
		"step_id", step.ID,
		"attempt", step.RetryCount,
		"mode", mode,
	)

	o.launchLocked(v, step)
}

// expireLocked marks every unfinished step expired and fails the
// workflow with a reject decision. Caller holds o.mu.
func (o *Orchestrator) expireLocked(v *domain.PaymentVerification) {
	o.sched.CancelPrefix(v.ID + ":")
	for _, s := range v.Workflow.Steps {
		if !s.Status.Terminal() {
			s.Status = domain.StepExpired
		}
	}
	now := time.Now().UTC()
	v.Workflow.Status = domain.WorkflowFailed
	v.Workflow.CompletedAt = &now
	v.Decision = domain.DecisionReject
	v.UpdatedAt = now
	v.Audit = append(v.Audit, domain.AuditEntry{
		Timestamp: now,
		Actor:     "system",
		Action:    "workflow_expired",
		Reason:    domain.ErrWorkflowExpired.Error(),
	})

	slog.Warn("verification workflow expired",
		"verification_id", v.ID,
		"workflow_id", v.Workflow.ID,
		"expired_at", v.Workflow.ExpiresAt,
	)

	go o.notifyExpired(v.ID, v.Workflow.ID, v.TenantID)
	go o.runCompletionHook(v.Clone())
}

// decideLocked reaches the automatic decision once no step can make
// further progress. Caller holds o.mu.
func (o *Orchestrator) decideLocked(v *domain.PaymentVerification) {
	if v.Workflow.Status.Terminal() {
		return
	}

	rejected := false
	for _, s := range v.Workflow.Steps {
		if !s.Required {
			continue
		}
		if s.Status == domain.StepFailed || s.Status == domain.StepExpired {
			rejected = true
			break
		}
		if s.Status != domain.StepCompleted {
			// A required step is still runnable; not decidable yet.
			return
		}
	}

	o.sched.CancelPrefix(v.ID + ":")
	now := time.Now().UTC()
	if rejected {
		for _, s := range v.Workflow.Steps {
			if !s.Status.Terminal() {
				s.Status = domain.StepSkipped
			}
		}
		v.Workflow.Status = domain.WorkflowFailed
		v.Decision = domain.DecisionReject
	} else {
		v.Workflow.Status = domain.WorkflowCompleted
		v.Decision = domain.DecisionApprove
	}
	v.Workflow.CompletedAt = &now
	v.UpdatedAt = now
	v.Audit = append(v.Audit, domain.AuditEntry{
		Timestamp: now,
		Actor:     "system",
		Action:    "decision:" + string(v.Decision),
	})

	slog.Info("verification decided",
		"verification_id", v.ID,
		"decision", string(v.Decision),
		"workflow_status", string(v.Workflow.Status),
	)

	go o.runCompletionHook(v.Clone())
	go o.publishDecision(v.Clone())
}

// finish publishes and persists a verification that reached a decision
// outside the normal advance path (override, cancel). snap is a detached
// copy taken while the caller held o.mu.
func (o *Orchestrator) finish(ctx context.Context, snap *domain.PaymentVerification) {
	go o.runCompletionHook(snap)
	go o.publishDecision(snap)
	o.persist(ctx, snap)
}

func (o *Orchestrator) runCompletionHook(snap *domain.PaymentVerification) {
	o.mu.Lock()
	hook := o.onComplete
	o.mu.Unlock()
	if hook != nil {
		hook(context.Background(), snap)
	}
}

func (o *Orchestrator) publishDecision(snap *domain.PaymentVerification) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := o.bus.Publish(context.Background(), snap.TenantID, domain.TopicDecision, payload); err != nil {
		slog.Warn("failed to publish decision event", "verification_id", snap.ID, "error", err)
	}
}

func (o *Orchestrator) notifyExpired(id, workflowID, tenantID string) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"verificationId": id,
		"workflowId":     workflowID,
		"error":          domain.ErrWorkflowExpired.Error(),
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(context.Background(), tenantID, domain.TopicWorkflowExpired, payload); err != nil {
		slog.Warn("failed to publish expiry event", "verification_id", id, "error", err)
	}
}

// save snapshots the record under the lock and persists the copy, so the
// repository never marshals fields a step goroutine is writing.
func (o *Orchestrator) save(ctx context.Context, v *domain.PaymentVerification) {
	if o.repo == nil {
		return
	}
	o.mu.Lock()
	snap := v.Clone()
	o.mu.Unlock()
	o.persist(ctx, snap)
}

func (o *Orchestrator) persist(ctx context.Context, snap *domain.PaymentVerification) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveVerification(ctx, snap.TenantID, snap); err != nil {
		slog.Error("failed to persist verification", "verification_id", snap.ID, "error", err)
	}
}

func timerKey(id, stepID string) string {
	return id + ":" + stepID
}
