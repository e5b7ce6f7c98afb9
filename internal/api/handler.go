package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		version: version,
	}
}

// TransactionRequest is the request body for POST /transactions/analyze
// and POST /transactions/ingest.
type TransactionRequest struct {
	ID             string                 `json:"id,omitempty"`
	Type           string                 `json:"type"`
	UserID         string                 `json:"userId"`
	CounterpartyID string                 `json:"counterpartyId,omitempty"`
	MerchantID     string                 `json:"merchantId,omitempty"`
	Amount         float64                `json:"amount"`
	Currency       string                 `json:"currency"`
	Location       string                 `json:"location,omitempty"`
	DeviceID       string                 `json:"deviceId,omitempty"`
	IPAddress      string                 `json:"ipAddress,omitempty"`
	SessionID      string                 `json:"sessionId,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func (req *TransactionRequest) toTransaction(tenantID string) *domain.Transaction {
	return &domain.Transaction{
		ID:             req.ID,
		TenantID:       tenantID,
		Type:           req.Type,
		UserID:         req.UserID,
		CounterpartyID: req.CounterpartyID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Location:       req.Location,
		DeviceID:       req.DeviceID,
		IPAddress:      req.IPAddress,
		SessionID:      req.SessionID,
		Status:         req.Status,
		Metadata:       req.Metadata,
	}
}

// AnalyzeResponse is the response for POST /transactions/analyze.
type AnalyzeResponse struct {
	TransactionID  string               `json:"transactionId"`
	Score          *domain.RiskScore    `json:"score"`
	Alerts         []*domain.FraudAlert `json:"alerts,omitempty"`
	ActionRequired bool                 `json:"actionRequired"`
	RequireMFA     bool                 `json:"requireMfa,omitempty"`
	Blocked        bool                 `json:"blocked,omitempty"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Analyze handles POST /transactions/analyze: synchronous risk scoring.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	tx := req.toTransaction(GetTenantID(ctx))
	analysis, err := h.engine.AnalyzeTransaction(ctx, tx)
	if err != nil {
		writeEngineError(w, err, "analysis failed")
		return
	}

	resp := AnalyzeResponse{
		TransactionID:  tx.ID,
		Score:          analysis.Score,
		Alerts:         analysis.Alerts,
		ActionRequired: analysis.ActionRequired,
		RequireMFA:     analysis.RequireMFA,
		Blocked:        analysis.Blocked,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Ingest handles POST /transactions/ingest: publishes the transaction
// to the event bus for async analysis by the worker pool.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	payload, err := json.Marshal(req.toTransaction(tenantID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode transaction")
		return
	}
	if err := h.bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to publish ingested transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to publish transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

// VerificationRequest is the request body for POST /verifications.
type VerificationRequest struct {
	PaymentID  string                 `json:"paymentId,omitempty"`
	UserID     string                 `json:"userId"`
	MerchantID string                 `json:"merchantId,omitempty"`
	Amount     float64                `json:"amount"`
	Currency   string                 `json:"currency"`
	Method     string                 `json:"method,omitempty"`
	Location   string                 `json:"location,omitempty"`
	DeviceID   string                 `json:"deviceId,omitempty"`
	IPAddress  string                 `json:"ipAddress,omitempty"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// StartVerification handles POST /verifications: scores the payment and
// starts a level-matched verification workflow.
func (h *Handler) StartVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	v, err := h.engine.StartVerification(ctx, &domain.PaymentRequest{
		ID:         req.PaymentID,
		TenantID:   GetTenantID(ctx),
		UserID:     req.UserID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Method:     req.Method,
		Location:   req.Location,
		DeviceID:   req.DeviceID,
		IPAddress:  req.IPAddress,
		SessionID:  req.SessionID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeEngineError(w, err, "failed to start verification")
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

// GetVerification handles GET /verifications/{id}.
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "verification id is required")
		return
	}

	v, err := h.engine.GetVerificationStatus(r.Context(), GetTenantID(r.Context()), id)
	if err != nil {
		writeEngineError(w, err, "verification not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RetryStep handles POST /verifications/{id}/steps/{stepID}/retry.
func (h *Handler) RetryStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stepID := chi.URLParam(r, "stepID")

	if err := h.engine.RetryVerificationStep(r.Context(), id, stepID); err != nil {
		writeEngineError(w, err, "retry rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// OverrideRequest is the request body for POST /verifications/{id}/override.
type OverrideRequest struct {
	Decision domain.Decision `json:"decision"`
	Actor    string          `json:"actor"`
	Reason   string          `json:"reason"`
}

// Override handles POST /verifications/{id}/override: manual decision
// replacement with an audit trail entry.
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := h.engine.OverrideDecision(r.Context(), id, req.Decision, req.Actor, req.Reason); err != nil {
		writeEngineError(w, err, "override rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CancelRequest is the request body for POST /verifications/{id}/cancel.
type CancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /verifications/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.CancelVerification(r.Context(), id, req.Actor, req.Reason); err != nil {
		writeEngineError(w, err, "cancel rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListAlerts handles GET /alerts?status=&limit=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(r.URL.Query().Get("status"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	alerts := h.engine.ListAlerts(status, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAlert(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ResolutionRequest is the request body for alert resolution endpoints.
type ResolutionRequest struct {
	Notes    string `json:"notes,omitempty"`
	Resolver string `json:"resolver"`
}

// ResolveAlert handles POST /alerts/{id}/resolve.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.ResolveAlert(r.Context(), id, req.Notes, req.Resolver); err != nil {
		writeEngineError(w, err, "resolve rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// FalsePositiveAlert handles POST /alerts/{id}/false-positive.
func (h *Handler) FalsePositiveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.MarkAlertFalsePositive(r.Context(), id, req.Notes, req.Resolver); err != nil {
		writeEngineError(w, err, "resolve rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// EscalateRequest is the request body for POST /alerts/{id}/escalate.
type EscalateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EscalateAlert handles POST /alerts/{id}/escalate.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req EscalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.EscalateAlert(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err, "escalate rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CreateCaseRequest is the request body for POST /cases.
type CreateCaseRequest struct {
	AlertIDs    []string `json:"alertIds"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
}

// CreateCase handles POST /cases: groups alerts into an investigation case.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	c, err := h.engine.CreateFraudCase(r.Context(), req.AlertIDs, req.Title, req.Description)
	if err != nil {
		writeEngineError(w, err, "failed to create case")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// AttachAlertRequest is the request body for POST /cases/{id}/alerts.
type AttachAlertRequest struct {
	AlertID string `json:"alertId"`
}

// AttachAlert handles POST /cases/{id}/alerts: adds an existing alert to an
// open case.
func (h *Handler) AttachAlert(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	var req AttachAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alertId is required")
		return
	}

	if err := h.engine.AddAlertToCase(r.Context(), caseID, req.AlertID); err != nil {
		writeEngineError(w, err, "failed to attach alert")
		return
	}

	c, err := h.engine.GetFraudCase(caseID)
	if err != nil {
		writeEngineError(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetFraudCase(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// FraudStats handles GET /stats/fraud.
func (h *Handler) FraudStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetFraudStats())
}

// VerificationStats handles GET /stats/verifications.
func (h *Handler) VerificationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetVerificationStats())
}

// ListRules returns all rules loaded in the catalog.
// Rules load from the database at startup and reload via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.Catalog().List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded catalog.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	rule, ok := h.engine.Catalog().Get(ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Type        domain.RuleType      `json:"type"`
	Condition   domain.RuleCondition `json:"condition"`
	Action      domain.RuleAction    `json:"action"`
	Severity    domain.Severity      `json:"severity"`
	Weight      float64              `json:"weight"`
	Expression  string               `json:"expression,omitempty"`
	Enabled     bool                 `json:"enabled"`
}

// CreateRule validates, loads and persists a new rule. Rules are saved
// globally (tenant_id = "*") so they apply to all tenants.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	now := time.Now().UTC()
	rule := &domain.FraudRule{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Condition:   req.Condition,
		Action:      req.Action,
		Severity:    req.Severity,
		Weight:      req.Weight,
		Expression:  req.Expression,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Loading validates the condition (and compiles the CEL expression
	// for expression rules) before anything persists.
	if err := h.engine.Catalog().Load(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRule(ctx, GlobalTenantID, rule); err != nil {
			slog.Error("failed to save rule", "id", rule.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rule")
			return
		}
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created and loaded.",
	})
}

// ReloadRules reloads all rules from the database into the catalog.
// Enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	dbRules, err := h.repo.ListRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.LoadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into catalog", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine error taxonomy to HTTP status codes. The
// client only ever sees a status and a message.
func writeEngineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrWorkflowExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		slog.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
