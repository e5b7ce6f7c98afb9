// Package compliance screens decided verifications against regulatory
// checks. Results never change a verification decision; they are
// recorded and, on failure, published for case escalation.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Checker runs the enabled compliance categories against a completed
// verification through pluggable providers.
type Checker struct {
	mu        sync.RWMutex
	providers map[domain.ComplianceType]domain.ComplianceProvider

	cfg  domain.ComplianceConfig
	repo domain.Repository
	bus  domain.EventBus
}

// NewChecker creates a checker with the built-in providers registered
// for every enabled category.
func NewChecker(cfg domain.ComplianceConfig, repo domain.Repository, bus domain.EventBus) *Checker {
	c := &Checker{
		providers: make(map[domain.ComplianceType]domain.ComplianceProvider),
		cfg:       cfg,
		repo:      repo,
		bus:       bus,
	}
	c.providers[domain.ComplianceAML] = NewAMLProvider(10000)
	c.providers[domain.ComplianceKYC] = NewKYCProvider()
	c.providers[domain.ComplianceSanctions] = NewSanctionsProvider(DefaultSanctionedParties())
	c.providers[domain.ComplianceGeo] = NewGeoProvider(DefaultHighRiskLocations())
	return c
}

// RegisterProvider replaces the provider for a category.
func (c *Checker) RegisterProvider(t domain.ComplianceType, p domain.ComplianceProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[t] = p
}

// Screen runs every enabled check in order and returns the results.
// Provider errors produce a failing result rather than aborting the
// screen; the verification decision is never touched.
func (c *Checker) Screen(ctx context.Context, v *domain.PaymentVerification) []*domain.ComplianceResult {
	results := make([]*domain.ComplianceResult, 0, len(c.cfg.EnabledChecks))

	for _, typ := range c.cfg.EnabledChecks {
		c.mu.RLock()
		provider, ok := c.providers[typ]
		c.mu.RUnlock()
		if !ok {
			slog.Warn("no compliance provider registered", "type", string(typ))
			continue
		}

		result, err := provider.Check(ctx, typ, v)
		if err != nil {
			slog.Error("compliance check errored",
				"type", string(typ),
				"verification_id", v.ID,
				"error", err,
			)
			result = &domain.ComplianceResult{
				Type:   typ,
				Passed: false,
				Violations: []domain.ComplianceViolation{{
					Code:           "CHECK_ERROR",
					Description:    fmt.Sprintf("%s check failed to run: %v", typ, err),
					RemediationDue: time.Now().UTC().Add(c.cfg.RemediationWindow),
				}},
			}
		}
		result.ID = uuid.New().String()
		result.TenantID = v.TenantID
		result.VerificationID = v.ID
		result.CheckedAt = time.Now().UTC()
		for i := range result.Violations {
			if result.Violations[i].RemediationDue.IsZero() {
				result.Violations[i].RemediationDue = result.CheckedAt.Add(c.cfg.RemediationWindow)
			}
		}
		results = append(results, result)

		c.record(ctx, result)
		if !result.Passed {
			c.publishViolation(ctx, result)
		}
	}
	return results
}

func (c *Checker) record(ctx context.Context, r *domain.ComplianceResult) {
	if c.repo == nil {
		return
	}
	if err := c.repo.SaveComplianceResult(ctx, r.TenantID, r); err != nil {
		slog.Error("failed to persist compliance result", "result_id", r.ID, "error", err)
	}
}

func (c *Checker) publishViolation(ctx context.Context, r *domain.ComplianceResult) {
	slog.Warn("compliance violation",
		"type", string(r.Type),
		"verification_id", r.VerificationID,
		"violations", len(r.Violations),
	)
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, r.TenantID, domain.TopicComplianceViolation, payload); err != nil {
		slog.Warn("failed to publish compliance violation", "result_id", r.ID, "error", err)
	}
}

// amlProvider flags verifications whose payment amount exceeds the
// reporting threshold without a completed AML verification step.
type amlProvider struct {
	reportingThreshold float64
}

// NewAMLProvider creates the built-in AML screen.
func NewAMLProvider(reportingThreshold float64) domain.ComplianceProvider {
	return &amlProvider{reportingThreshold: reportingThreshold}
}

func (p *amlProvider) Check(ctx context.Context, typ domain.ComplianceType, v *domain.PaymentVerification) (*domain.ComplianceResult, error) {
	amount := paymentAmount(v)
	if amount < p.reportingThreshold {
		return &domain.ComplianceResult{Type: typ, Passed: true, Score: 0}, nil
	}
	if stepCompleted(v, domain.StepAMLVerification) {
		return &domain.ComplianceResult{Type: typ, Passed: true, Score: 25}, nil
	}
	return &domain.ComplianceResult{
		Type:   typ,
		Passed: false,
		Score:  75,
		Violations: []domain.ComplianceViolation{{
			Code:        "AML_UNVERIFIED_LARGE_AMOUNT",
			Description: fmt.Sprintf("amount %.2f exceeds reporting threshold without completed AML verification", amount),
		}},
	}, nil
}

// kycProvider requires a completed KYC step for critical-risk
// verifications.
type kycProvider struct{}

// NewKYCProvider creates the built-in KYC screen.
func NewKYCProvider() domain.ComplianceProvider {
	return &kycProvider{}
}

func (p *kycProvider) Check(ctx context.Context, typ domain.ComplianceType, v *domain.PaymentVerification) (*domain.ComplianceResult, error) {
	if v.Risk == nil || !v.Risk.Level.AtLeast(domain.RiskCritical) {
		return &domain.ComplianceResult{Type: typ, Passed: true}, nil
	}
	if stepCompleted(v, domain.StepKYCVerification) {
		return &domain.ComplianceResult{Type: typ, Passed: true, Score: 20}, nil
	}
	return &domain.ComplianceResult{
		Type:   typ,
		Passed: false,
		Score:  80,
		Violations: []domain.ComplianceViolation{{
			Code:        "KYC_INCOMPLETE",
			Description: "critical-risk payment decided without completed KYC verification",
		}},
	}, nil
}

// sanctionsProvider screens the user and counterparty against a
// denylist of sanctioned parties.
type sanctionsProvider struct {
	denylist map[string]struct{}
}

// NewSanctionsProvider creates the built-in sanctions screen.
func NewSanctionsProvider(parties []string) domain.ComplianceProvider {
	deny := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		deny[strings.ToLower(p)] = struct{}{}
	}
	return &sanctionsProvider{denylist: deny}
}

func (p *sanctionsProvider) Check(ctx context.Context, typ domain.ComplianceType, v *domain.PaymentVerification) (*domain.ComplianceResult, error) {
	var hits []domain.ComplianceViolation
	for _, party := range []string{v.UserID, paymentMerchant(v)} {
		if party == "" {
			continue
		}
		if _, listed := p.denylist[strings.ToLower(party)]; listed {
			hits = append(hits, domain.ComplianceViolation{
				Code:        "SANCTIONS_MATCH",
				Description: fmt.Sprintf("party %q matches sanctions denylist", party),
			})
		}
	}
	if len(hits) > 0 {
		return &domain.ComplianceResult{Type: typ, Passed: false, Score: 100, Violations: hits}, nil
	}
	return &domain.ComplianceResult{Type: typ, Passed: true}, nil
}

// geoProvider flags payments originating from high-risk locations.
type geoProvider struct {
	highRisk map[string]struct{}
}

// NewGeoProvider creates the built-in geographic screen.
func NewGeoProvider(locations []string) domain.ComplianceProvider {
	set := make(map[string]struct{}, len(locations))
	for _, l := range locations {
		set[strings.ToUpper(l)] = struct{}{}
	}
	return &geoProvider{highRisk: set}
}

func (p *geoProvider) Check(ctx context.Context, typ domain.ComplianceType, v *domain.PaymentVerification) (*domain.ComplianceResult, error) {
	loc := paymentLocation(v)
	if loc == "" {
		return &domain.ComplianceResult{Type: typ, Passed: true}, nil
	}
	if _, risky := p.highRisk[strings.ToUpper(loc)]; risky {
		return &domain.ComplianceResult{
			Type:   typ,
			Passed: false,
			Score:  60,
			Violations: []domain.ComplianceViolation{{
				Code:        "GEO_HIGH_RISK",
				Description: fmt.Sprintf("payment originates from high-risk location %q", loc),
			}},
		}, nil
	}
	return &domain.ComplianceResult{Type: typ, Passed: true}, nil
}

// DefaultSanctionedParties is a stand-in denylist for the Community
// tier; production deployments register a provider backed by a live
// sanctions list.
func DefaultSanctionedParties() []string {
	return []string{}
}

// DefaultHighRiskLocations lists jurisdictions treated as high risk by
// the built-in geo screen.
func DefaultHighRiskLocations() []string {
	return []string{"KP", "IR", "SY", "CU"}
}

func stepCompleted(v *domain.PaymentVerification, t domain.StepType) bool {
	if v.Workflow == nil {
		return false
	}
	for _, s := range v.Workflow.Steps {
		if s.Type == t && s.Status == domain.StepCompleted {
			return true
		}
	}
	return false
}

func paymentAmount(v *domain.PaymentVerification) float64 {
	if v.Payment == nil {
		return 0
	}
	return v.Payment.Amount
}

func paymentMerchant(v *domain.PaymentVerification) string {
	if v.Payment == nil {
		return ""
	}
	return v.Payment.MerchantID
}

func paymentLocation(v *domain.PaymentVerification) string {
	if v.Payment == nil {
		return ""
	}
	return v.Payment.Location
}
