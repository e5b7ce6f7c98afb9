// Package alerts materializes fraud alerts and investigative cases.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Manager tracks alert and case lifecycles. Alerts are append-only
// except for their status and resolution fields.
type Manager struct {
	mu     sync.RWMutex
	alerts map[string]*domain.FraudAlert
	cases  map[string]*domain.FraudCase

	repo domain.Repository
	bus  domain.EventBus
}

// NewManager creates an alert manager with optional persistence and bus.
func NewManager(repo domain.Repository, bus domain.EventBus) *Manager {
	return &Manager{
		alerts: make(map[string]*domain.FraudAlert),
		cases:  make(map[string]*domain.FraudCase),
		repo:   repo,
		bus:    bus,
	}
}

// OnRuleTriggered materializes an open alert for a triggered rule.
func (m *Manager) OnRuleTriggered(ctx context.Context, rule *domain.FraudRule, tx *domain.Transaction, score float64, factors []domain.RiskFactor, detail map[string]interface{}) *domain.FraudAlert {
	alert := &domain.FraudAlert{
		ID:        uuid.New().String(),
		TenantID:  tx.TenantID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		TxID:      tx.ID,
		UserID:    tx.UserID,
		SessionID: tx.SessionID,
		Severity:  rule.Severity,
		Score:     score,
		Action:    rule.Action,
		Factors:   factors,
		Detail:    detail,
		Status:    domain.AlertOpen,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	m.persist(ctx, alert)
	m.publish(ctx, alert)

	slog.Info("fraud alert created",
		"alert_id", alert.ID,
		"rule_id", rule.ID,
		"tx_id", tx.ID,
		"severity", string(alert.Severity),
	)

	return alert
}

// Get returns the alert with the given ID.
func (m *Manager) Get(alertID string) (*domain.FraudAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	return a, nil
}

// List returns alerts, optionally filtered by status, newest first.
func (m *Manager) List(status domain.AlertStatus, limit int) []*domain.FraudAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.FraudAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	sortAlertsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Resolve closes an alert with resolution metadata. Resolving an alert
// tied to a case updates the case status consistently.
func (m *Manager) Resolve(ctx context.Context, alertID, notes, resolver string) error {
	return m.close(ctx, alertID, notes, resolver, domain.AlertResolved)
}

// MarkFalsePositive closes an alert as a false positive.
func (m *Manager) MarkFalsePositive(ctx context.Context, alertID, notes, resolver string) error {
	return m.close(ctx, alertID, notes, resolver, domain.AlertFalsePositive)
}

func (m *Manager) close(ctx context.Context, alertID, notes, resolver string, status domain.AlertStatus) error {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}

	now := time.Now().UTC()
	a.Status = status
	a.ResolvedAt = &now
	a.ResolvedBy = resolver
	a.ResolutionNotes = notes

	var c *domain.FraudCase
	if a.CaseID != "" {
		c = m.cases[a.CaseID]
		if c != nil {
			m.reconcileCaseLocked(c)
		}
	}
	m.mu.Unlock()

	m.persist(ctx, a)
	if c != nil {
		m.persistCase(ctx, c)
	}
	return nil
}

// Escalate moves an alert to escalated and reopens its case if any.
func (m *Manager) Escalate(ctx context.Context, alertID, reason string) error {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	a.Status = domain.AlertEscalated
	if a.Detail == nil {
		a.Detail = make(map[string]interface{})
	}
	a.Detail["escalation_reason"] = reason

	var c *domain.FraudCase
	if a.CaseID != "" {
		c = m.cases[a.CaseID]
		if c != nil && c.Status == domain.CaseResolved {
			c.Status = domain.CaseReopened
			c.UpdatedAt = time.Now().UTC()
		}
	}
	m.mu.Unlock()

	m.persist(ctx, a)
	if c != nil {
		m.persistCase(ctx, c)
	}
	return nil
}

// CreateCase groups alerts into a case. Priority is critical if any
// contained alert is critical, else high if any high, else medium.
func (m *Manager) CreateCase(ctx context.Context, alertIDs []string, title, description string) (*domain.FraudCase, error) {
	if len(alertIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one alert id is required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	contained := make([]*domain.FraudAlert, 0, len(alertIDs))
	for _, id := range alertIDs {
		a, ok := m.alerts[id]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, id)
		}
		contained = append(contained, a)
	}

	now := time.Now().UTC()
	c := &domain.FraudCase{
		ID:          uuid.New().String(),
		TenantID:    contained[0].TenantID,
		Title:       title,
		Description: description,
		AlertIDs:    append([]string(nil), alertIDs...),
		Status:      domain.CaseOpen,
		Priority:    casePriority(contained),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.cases[c.ID] = c
	for _, a := range contained {
		a.CaseID = c.ID
	}
	m.mu.Unlock()

	m.persistCase(ctx, c)
	for _, a := range contained {
		m.persist(ctx, a)
	}

	slog.Info("fraud case created",
		"case_id", c.ID,
		"alerts", len(alertIDs),
		"priority", string(c.Priority),
	)
	return c, nil
}

// AddAlertToCase attaches an alert to an existing case, recomputing
// priority. Adding a critical alert to a resolved case reopens it.
func (m *Manager) AddAlertToCase(ctx context.Context, caseID, alertID string) error {
	m.mu.Lock()
	c, ok := m.cases[caseID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: case %s", domain.ErrNotFound, caseID)
	}
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}

	c.AlertIDs = append(c.AlertIDs, alertID)
	a.CaseID = caseID

	if a.Severity == domain.SeverityCritical && c.Status == domain.CaseResolved {
		c.Status = domain.CaseReopened
	}
	m.reconcilePriorityLocked(c)
	c.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.persistCase(ctx, c)
	m.persist(ctx, a)
	return nil
}

// GetCase returns the case with the given ID.
func (m *Manager) GetCase(caseID string) (*domain.FraudCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: case %s", domain.ErrNotFound, caseID)
	}
	return c, nil
}

// Stats returns an aggregate snapshot for dashboards.
func (m *Manager) Stats() domain.FraudStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.FraudStats{
		AlertsBySeverity: make(map[domain.Severity]int),
		RuleTriggers:     make(map[string]int64),
	}
	for _, a := range m.alerts {
		stats.TotalAlerts++
		if !a.Status.Terminal() {
			stats.OpenAlerts++
		}
		stats.AlertsBySeverity[a.Severity]++
		stats.RuleTriggers[a.RuleID]++
	}
	for _, c := range m.cases {
		stats.TotalCases++
		if c.Status != domain.CaseResolved {
			stats.OpenCases++
		}
	}
	return stats
}

// reconcileCaseLocked resolves the case when every contained alert is
// terminal. Caller holds the write lock.
func (m *Manager) reconcileCaseLocked(c *domain.FraudCase) {
	allTerminal := true
	for _, id := range c.AlertIDs {
		if a, ok := m.alerts[id]; ok && !a.Status.Terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		c.Status = domain.CaseResolved
	}
	c.UpdatedAt = time.Now().UTC()
}

func (m *Manager) reconcilePriorityLocked(c *domain.FraudCase) {
	contained := make([]*domain.FraudAlert, 0, len(c.AlertIDs))
	for _, id := range c.AlertIDs {
		if a, ok := m.alerts[id]; ok {
			contained = append(contained, a)
		}
	}
	c.Priority = casePriority(contained)
}

// casePriority derives case priority from the worst contained severity.
func casePriority(contained []*domain.FraudAlert) domain.Severity {
	worst := domain.SeverityLow
	for _, a := range contained {
		worst = domain.WorseSeverity(worst, a.Severity)
	}
	switch worst {
	case domain.SeverityCritical:
		return domain.SeverityCritical
	case domain.SeverityHigh:
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}

func (m *Manager) persist(ctx context.Context, a *domain.FraudAlert) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveAlert(ctx, a.TenantID, a); err != nil {
		slog.Error("failed to persist alert", "alert_id", a.ID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, a *domain.FraudAlert) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, a.TenantID, domain.TopicAlert, payload); err != nil {
		slog.Warn("failed to publish alert event", "alert_id", a.ID, "error", err)
	}
}

func (m *Manager) persistCase(ctx context.Context, c *domain.FraudCase) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveCase(ctx, c.TenantID, c); err != nil {
		slog.Error("failed to persist case", "case_id", c.ID, "error", err)
	}
}

func sortAlertsNewestFirst(alerts []*domain.FraudAlert) {
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}
