package domain

import (
	"context"
	"time"
)

// StepType identifies a verification step.
type StepType string

const (
	StepBasicValidation      StepType = "basic_validation"
	StepEmailVerification    StepType = "email_verification"
	StepIdentityVerification StepType = "identity_verification"
	StepDeviceVerification   StepType = "device_verification"
	StepKYCVerification      StepType = "kyc_verification"
	StepAMLVerification      StepType = "aml_verification"
	StepSanctionsCheck       StepType = "sanctions_check"
)

// StepStatus is the lifecycle state of a verification step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepExpired    StepStatus = "expired"
)

// Terminal reports whether the status ends the step lifecycle.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepExpired:
		return true
	}
	return false
}

// VerificationStep is one unit of work in a workflow. Owned exclusively
// by its parent workflow.
type VerificationStep struct {
	ID       string     `json:"id"`
	Type     StepType   `json:"type"`
	Status   StepStatus `json:"status"`
	Required bool       `json:"required"`
	Order    int        `json:"order"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
}

// WorkflowStatus is the overall workflow state.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// Terminal reports whether the workflow has finished.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// VerificationWorkflow is an ordered sequence of verification steps.
// Terminal once status reaches completed or failed, or once expiry passes.
type VerificationWorkflow struct {
	ID        string              `json:"id"`
	Status    WorkflowStatus      `json:"status"`
	RiskLevel RiskLevel           `json:"riskLevel"`
	Steps     []*VerificationStep `json:"steps"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *VerificationWorkflow) Step(stepID string) *VerificationStep {
	for _, s := range w.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// Decision is the final outcome of a payment verification.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionReview  Decision = "review"
)

// ValidDecision reports whether d is a known decision.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionPending, DecisionApprove, DecisionReject, DecisionReview:
		return true
	}
	return false
}

// AuditEntry records a decision-affecting event (automatic transitions
// and manual overrides).
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
}

// PaymentVerification binds a payment to its risk score, workflow and
// final decision. Created once per verification request; the decision is
// the only field expected to change after creation (plus workflow
// mutation by reference).
type PaymentVerification struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	PaymentID string `json:"paymentId"`
	UserID    string `json:"userId"`

	Payment  *PaymentRequest       `json:"payment,omitempty"`
	Risk     *RiskScore            `json:"risk"`
	Workflow *VerificationWorkflow `json:"workflow"`
	Decision Decision              `json:"decision"`

	Audit []AuditEntry `json:"audit,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy that is safe to read, marshal or persist
// while the original keeps changing under the orchestrator's lock. Risk
// and Payment are shared because both are immutable once created.
func (v *PaymentVerification) Clone() *PaymentVerification {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Workflow = v.Workflow.Clone()
	if v.Audit != nil {
		cp.Audit = make([]AuditEntry, len(v.Audit))
		copy(cp.Audit, v.Audit)
	}
	return &cp
}

// Clone returns a deep copy of the workflow and its steps.
func (w *VerificationWorkflow) Clone() *VerificationWorkflow {
	if w == nil {
		return nil
	}
	cp := *w
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make([]*VerificationStep, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the step.
func (s *VerificationStep) Clone() *VerificationStep {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Detail != nil {
		cp.Detail = make(map[string]interface{}, len(s.Detail))
		for k, v := range s.Detail {
			cp.Detail[k] = v
		}
	}
	return &cp
}

// VerificationStats is a read-only aggregate snapshot for dashboards.
type VerificationStats struct {
	Total      int64                    `json:"total"`
	ByDecision map[Decision]int64       `json:"byDecision"`
	ByStatus   map[WorkflowStatus]int64 `json:"byStatus"`
	InFlight   int64                    `json:"inFlight"`
	AvgScore   float64                  `json:"avgScore"`
}

// StepProvider executes one verification step against an external
// verification provider. A nil error means the step completed; transient
// failures are wrapped as step-execution errors and retried by the
// orchestrator.
type StepProvider interface {
	Execute(ctx context.Context, v *PaymentVerification, step *VerificationStep) error
}

// StepProviderFunc adapts a function to a StepProvider.
type StepProviderFunc func(ctx context.Context, v *PaymentVerification, step *VerificationStep) error

// Execute implements StepProvider.
func (f StepProviderFunc) Execute(ctx context.Context, v *PaymentVerification, step *VerificationStep) error {
	return f(ctx, v, step)
}
