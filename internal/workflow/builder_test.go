package workflow

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testVerificationConfig() domain.VerificationConfig {
	return domain.VerificationConfig{
		WorkflowTimeout: 30 * time.Minute,
		MaxStepRetries:  3,
		RetryDelay:      5 * time.Second,
	}
}

func TestBuildStepsPerRiskLevel(t *testing.T) {
	tests := []struct {
		level domain.RiskLevel
		want  []domain.StepType
	}{
		{domain.RiskLow, []domain.StepType{
			domain.StepBasicValidation,
		}},
		{domain.RiskMedium, []domain.StepType{
			domain.StepBasicValidation,
			domain.StepEmailVerification,
		}},
		{domain.RiskHigh, []domain.StepType{
			domain.StepBasicValidation,
			domain.StepEmailVerification,
			domain.StepIdentityVerification,
			domain.StepDeviceVerification,
		}},
		{domain.RiskCritical, []domain.StepType{
			domain.StepBasicValidation,
			domain.StepEmailVerification,
			domain.StepIdentityVerification,
			domain.StepDeviceVerification,
			domain.StepKYCVerification,
			domain.StepAMLVerification,
			domain.StepSanctionsCheck,
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			w := Build(tt.level, testVerificationConfig())
			if len(w.Steps) != len(tt.want) {
				t.Fatalf("expected %d steps, got %d", len(tt.want), len(w.Steps))
			}
			for i, s := range w.Steps {
				if s.Type != tt.want[i] {
					t.Errorf("step %d: expected %s, got %s", i, tt.want[i], s.Type)
				}
				if s.Order != i+1 {
					t.Errorf("step %d: expected order %d, got %d", i, i+1, s.Order)
				}
				if !s.Required {
					t.Errorf("step %d: expected required", i)
				}
				if s.Status != domain.StepPending {
					t.Errorf("step %d: expected pending, got %s", i, s.Status)
				}
				if s.MaxRetries != 3 {
					t.Errorf("step %d: expected max retries 3, got %d", i, s.MaxRetries)
				}
			}
		})
	}
}

func TestBuildCriticalEndsWithSanctionsCheck(t *testing.T) {
	w := Build(domain.RiskCritical, testVerificationConfig())
	if len(w.Steps) != 7 {
		t.Fatalf("expected exactly 7 steps for critical, got %d", len(w.Steps))
	}
	last := w.Steps[len(w.Steps)-1]
	if last.Type != domain.StepSanctionsCheck {
		t.Errorf("expected final step sanctions_check, got %s", last.Type)
	}
}

func TestBuildExpiry(t *testing.T) {
	cfg := testVerificationConfig()
	w := Build(domain.RiskLow, cfg)

	got := w.ExpiresAt.Sub(w.CreatedAt)
	if got != cfg.WorkflowTimeout {
		t.Errorf("expected expiry %v after creation, got %v", cfg.WorkflowTimeout, got)
	}
	if w.Status != domain.WorkflowPending {
		t.Errorf("expected pending workflow, got %s", w.Status)
	}
}

func TestBuildExpiryDefaultsWhenUnset(t *testing.T) {
	w := Build(domain.RiskLow, domain.VerificationConfig{})
	got := w.ExpiresAt.Sub(w.CreatedAt)
	if got != 30*time.Minute {
		t.Errorf("expected 30m default expiry, got %v", got)
	}
}
