package domain

import (
	"context"
	"time"
)

// ComplianceType identifies a jurisdictional screening category.
type ComplianceType string

const (
	ComplianceAML       ComplianceType = "aml"
	ComplianceKYC       ComplianceType = "kyc"
	ComplianceSanctions ComplianceType = "sanctions"
	ComplianceGeo       ComplianceType = "geo"
)

// ComplianceViolation is a single finding with a remediation deadline.
type ComplianceViolation struct {
	Code           string    `json:"code"`
	Description    string    `json:"description"`
	RemediationDue time.Time `json:"remediationDue"`
}

// ComplianceResult is the outcome of one compliance check. Failing
// results never change the verification decision; they feed case
// escalation.
type ComplianceResult struct {
	ID             string                `json:"id"`
	TenantID       string                `json:"tenantId"`
	VerificationID string                `json:"verificationId"`
	Type           ComplianceType        `json:"type"`
	Passed         bool                  `json:"passed"`
	Score          float64               `json:"score"`
	Violations     []ComplianceViolation `json:"violations,omitempty"`
	CheckedAt      time.Time             `json:"checkedAt"`
}

// ComplianceProvider runs one category of compliance screening.
// Implementations plug in real AML/KYC/sanctions/geo data sources.
type ComplianceProvider interface {
	Check(ctx context.Context, typ ComplianceType, v *PaymentVerification) (*ComplianceResult, error)
}

// ThreatFeed answers IP reputation lookups for the network comparator.
// Production implementations wrap a live threat-intel feed.
type ThreatFeed interface {
	IsSuspicious(ip string) bool
}
