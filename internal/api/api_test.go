package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// createTestServer wires a server against an in-memory engine with a
// succeeding default step provider and one high-amount rule.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Server = domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	eng, err := engine.New(cfg, nil, cache.NewLRUCache(1000), eventBus)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	t.Cleanup(eng.Close)

	if err := eng.LoadRules([]*domain.FraudRule{
		{
			ID:       "api-large-amount",
			TenantID: "*",
			Name:     "large amount",
			Type:     domain.RuleTypeAmount,
			Condition: domain.RuleCondition{
				Field:     domain.FieldAmount,
				Operator:  domain.OpGT,
				Threshold: 10000,
			},
			Action:   domain.ActionFlag,
			Severity: domain.SeverityHigh,
			Weight:   70,
			Enabled:  true,
		},
	}); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	eng.SetDefaultStepProvider(domain.StepProviderFunc(func(ctx context.Context, v *domain.PaymentVerification, step *domain.VerificationStep) error {
		return nil
	}))

	return NewServer(cfg.Server, nil, nil, eventBus, eng, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("LowRiskTransaction", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions/analyze", TransactionRequest{
			Type:           "payment",
			UserID:         "user-001",
			CounterpartyID: "merchant-001",
			Amount:         99.50,
			Currency:       "USD",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp AnalyzeResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.TransactionID == "" {
			t.Error("expected a generated transaction ID")
		}
		if resp.Score.Level != domain.RiskLow {
			t.Errorf("expected low risk, got %s", resp.Score.Level)
		}
		if resp.ActionRequired {
			t.Error("low-risk transaction should not require action")
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
	})

	t.Run("HighRiskTransaction", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions/analyze", TransactionRequest{
			Type:           "payment",
			UserID:         "user-002",
			CounterpartyID: "merchant-001",
			Amount:         50000,
			Currency:       "USD",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp AnalyzeResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.ActionRequired {
			t.Error("expected actionRequired for a 50k transaction")
		}
		if len(resp.Alerts) != 1 {
			t.Errorf("expected 1 alert, got %d", len(resp.Alerts))
		}
		if !resp.RequireMFA {
			t.Error("expected MFA requirement for a high-risk transaction")
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions/analyze", TransactionRequest{
			Type:   "payment",
			Amount: 100,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions/analyze", bytes.NewBufferString("not json"))
		req.Header.Set("X-Tenant-ID", "tenant-001")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantHeader", func(t *testing.T) {
		body, _ := json.Marshal(TransactionRequest{UserID: "u", Amount: 10})
		req := httptest.NewRequest(http.MethodPost, "/transactions/analyze", bytes.NewBuffer(body))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without tenant header, got %d", rr.Code)
		}
	})
}

func TestVerificationEndpoints(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/verifications", VerificationRequest{
		UserID:     "user-003",
		MerchantID: "merchant-001",
		Amount:     49.99,
		Currency:   "USD",
		Method:     "card",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var created domain.PaymentVerification
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal verification: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a verification ID")
	}
	if created.Workflow == nil || len(created.Workflow.Steps) == 0 {
		t.Fatal("expected a workflow with steps")
	}

	// The succeeding provider finishes the workflow shortly after.
	deadline := time.Now().Add(2 * time.Second)
	var fetched domain.PaymentVerification
	for time.Now().Before(deadline) {
		rr = doJSON(t, server, http.MethodGet, "/verifications/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		json.Unmarshal(rr.Body.Bytes(), &fetched)
		if fetched.Decision == domain.DecisionApprove {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if fetched.Decision != domain.DecisionApprove {
		t.Fatalf("expected approve decision, got %s", fetched.Decision)
	}

	t.Run("GetUnknownVerification", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/verifications/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("RetryOnTerminalWorkflow", func(t *testing.T) {
		stepID := created.Workflow.Steps[0].ID
		rr := doJSON(t, server, http.MethodPost, "/verifications/"+created.ID+"/steps/"+stepID+"/retry", nil)
		if rr.Code != http.StatusBadRequest && rr.Code != http.StatusConflict {
			t.Errorf("expected 400 or 409 for retry on terminal workflow, got %d", rr.Code)
		}
	})

	t.Run("OverrideRequiresActor", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/verifications/"+created.ID+"/override", OverrideRequest{
			Decision: domain.DecisionReject,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without actor, got %d", rr.Code)
		}
	})

	t.Run("OverrideDecision", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/verifications/"+created.ID+"/override", OverrideRequest{
			Decision: domain.DecisionReject,
			Actor:    "analyst-1",
			Reason:   "chargeback history",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/verifications/"+created.ID, nil)
		var after domain.PaymentVerification
		json.Unmarshal(rr.Body.Bytes(), &after)
		if after.Decision != domain.DecisionReject {
			t.Errorf("expected reject after override, got %s", after.Decision)
		}
	})

	t.Run("InvalidOverrideDecision", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/verifications/"+created.ID+"/override", OverrideRequest{
			Decision: domain.Decision("maybe"),
			Actor:    "analyst-1",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for invalid decision, got %d", rr.Code)
		}
	})
}

func TestAlertAndCaseEndpoints(t *testing.T) {
	server := createTestServer(t)

	// Trigger two alerts.
	for i := 0; i < 2; i++ {
		rr := doJSON(t, server, http.MethodPost, "/transactions/analyze", TransactionRequest{
			Type:           "payment",
			UserID:         "user-alerts",
			CounterpartyID: "merchant-001",
			Amount:         50000,
			Currency:       "USD",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("analyze failed: %d %s", rr.Code, rr.Body.String())
		}
	}

	rr := doJSON(t, server, http.MethodGet, "/alerts?status=open", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var listResp struct {
		Alerts []*domain.FraudAlert `json:"alerts"`
		Count  int                  `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal alerts: %v", err)
	}
	if listResp.Count != 2 {
		t.Fatalf("expected 2 open alerts, got %d", listResp.Count)
	}

	alertID := listResp.Alerts[0].ID

	t.Run("GetAlert", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/alerts/"+alertID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("CreateCase", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases", CreateCaseRequest{
			AlertIDs: []string{listResp.Alerts[0].ID},
			Title:    "repeat large transfers",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.FraudCase
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.Priority != domain.SeverityHigh {
			t.Errorf("expected high priority, got %s", c.Priority)
		}

		rr = doJSON(t, server, http.MethodGet, "/cases/"+c.ID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200 fetching case, got %d", rr.Code)
		}

		t.Run("AttachAlert", func(t *testing.T) {
			rr := doJSON(t, server, http.MethodPost, "/cases/"+c.ID+"/alerts", AttachAlertRequest{
				AlertID: listResp.Alerts[1].ID,
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}

			var updated domain.FraudCase
			json.Unmarshal(rr.Body.Bytes(), &updated)
			if len(updated.AlertIDs) != 2 {
				t.Errorf("expected 2 alerts on case, got %d", len(updated.AlertIDs))
			}
		})

		t.Run("AttachToUnknownCase", func(t *testing.T) {
			rr := doJSON(t, server, http.MethodPost, "/cases/missing/alerts", AttachAlertRequest{
				AlertID: listResp.Alerts[1].ID,
			})
			if rr.Code != http.StatusNotFound {
				t.Errorf("expected status 404, got %d", rr.Code)
			}
		})

		t.Run("AttachWithoutAlertID", func(t *testing.T) {
			rr := doJSON(t, server, http.MethodPost, "/cases/"+c.ID+"/alerts", AttachAlertRequest{})
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rr.Code)
			}
		})
	})

	t.Run("ResolveAlert", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/alerts/"+alertID+"/resolve", ResolutionRequest{
			Notes:    "verified with customer",
			Resolver: "analyst-1",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/alerts/"+alertID, nil)
		var a domain.FraudAlert
		json.Unmarshal(rr.Body.Bytes(), &a)
		if a.Status != domain.AlertResolved {
			t.Errorf("expected resolved alert, got %s", a.Status)
		}
	})

	t.Run("ResolveUnknownAlert", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/alerts/missing/resolve", ResolutionRequest{Resolver: "x"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("FraudStats", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/stats/fraud", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var stats domain.FraudStats
		json.Unmarshal(rr.Body.Bytes(), &stats)
		if stats.TotalAlerts != 2 {
			t.Errorf("expected 2 total alerts, got %d", stats.TotalAlerts)
		}
		if stats.RuleTriggers["api-large-amount"] != 2 {
			t.Errorf("expected 2 triggers, got %d", stats.RuleTriggers["api-large-amount"])
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("ListRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", resp.Count)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules/api-large-amount", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		rr = doJSON(t, server, http.MethodGet, "/rules/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CreateRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID:       "api-velocity",
			Name:     "rapid transactions",
			Type:     domain.RuleTypeVelocity,
			Condition: domain.RuleCondition{
				Field:      domain.FieldVelocity,
				Operator:   domain.OpGT,
				Threshold:  10,
				WindowSecs: 300,
			},
			Action:   domain.ActionFlag,
			Severity: domain.SeverityMedium,
			Weight:   40,
			Enabled:  true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/rules/api-velocity", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("created rule not retrievable: %d", rr.Code)
		}
	})

	t.Run("CreateRuleRejectsInvalidExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID:   "api-bad-cel",
			Name: "broken expression",
			Type: domain.RuleTypePattern,
			Condition: domain.RuleCondition{
				Field: domain.FieldExpression,
			},
			Expression: "amount >>> nonsense",
			Severity:   domain.SeverityLow,
			Weight:     10,
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for invalid CEL, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreateRuleRequiresIDAndName", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{Weight: 10})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReloadWithoutRepository", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503 without repository, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr = httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestIngestEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/transactions/ingest", TransactionRequest{
		Type:   "payment",
		UserID: "user-async",
		Amount: 100,
	})
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/transactions/ingest", TransactionRequest{Amount: 100})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without userId, got %d", rr.Code)
	}
}
