// Package workflow builds and orchestrates payment verification workflows.
package workflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// stepPlan maps risk levels to the verification steps they require.
// Steps accumulate: each level includes everything below it.
var stepPlan = []struct {
	minLevel domain.RiskLevel
	types    []domain.StepType
}{
	{domain.RiskLow, []domain.StepType{domain.StepBasicValidation}},
	{domain.RiskMedium, []domain.StepType{domain.StepEmailVerification}},
	{domain.RiskHigh, []domain.StepType{domain.StepIdentityVerification, domain.StepDeviceVerification}},
	{domain.RiskCritical, []domain.StepType{domain.StepKYCVerification, domain.StepAMLVerification, domain.StepSanctionsCheck}},
}

// Build constructs a pending workflow for the given risk level. Step
// ordering is strictly ascending; higher risk levels extend the step
// list of lower ones, so a critical workflow always ends with the
// sanctions check.
func Build(level domain.RiskLevel, cfg domain.VerificationConfig) *domain.VerificationWorkflow {
	now := time.Now().UTC()

	timeout := cfg.WorkflowTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	var steps []*domain.VerificationStep
	order := 1
	for _, plan := range stepPlan {
		if !level.AtLeast(plan.minLevel) {
			continue
		}
		for _, st := range plan.types {
			steps = append(steps, &domain.VerificationStep{
				ID:         uuid.New().String(),
				Type:       st,
				Status:     domain.StepPending,
				Required:   true,
				Order:      order,
				MaxRetries: cfg.MaxStepRetries,
			})
			order++
		}
	}

	return &domain.VerificationWorkflow{
		ID:        uuid.New().String(),
		Status:    domain.WorkflowPending,
		RiskLevel: level,
		Steps:     steps,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
}
