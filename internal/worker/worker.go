// Package worker provides async transaction analysis for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Worker consumes ingested transactions from the event bus and drives
// them through the fraud engine. Analysis results are published the same
// way the synchronous API path publishes them; callers that ingested a
// transaction asynchronously watch the risk-scored topic.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs lists the tenants to consume. Empty subscribes a single
	// wildcard worker that receives every tenant's ingested transactions.
	TenantIDs []string
}

// NewWorker creates an async analysis worker.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the transaction-ingested topic for each tenant.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.TenantWildcard}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, w.handleMessage)
		if err != nil {
			slog.Error("failed to subscribe worker", "tenant_id", tenantID, "error", err)
			continue
		}
		w.subscriptions = append(w.subscriptions, sub)
		slog.Info("analysis worker started",
			"tenant_id", tenantID,
			"topic", domain.TopicTransactionIngested,
		)
	}
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		slog.Error("failed to parse ingested transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if tx.TenantID == "" {
		tx.TenantID = msg.TenantID
	}

	analysis, err := w.engine.AnalyzeTransaction(ctx, &tx)
	if err != nil {
		slog.Error("async analysis failed", "tx_id", tx.ID, "error", err)
		return err
	}

	slog.Info("transaction analyzed",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"score", analysis.Score.OverallScore,
		"level", analysis.Score.Level,
		"alerts", len(analysis.Alerts),
		"action_required", analysis.ActionRequired,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes all workers.
func (w *Worker) Stop() error {
	w.cancel()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil
	slog.Info("analysis workers stopped")
	return nil
}

// Stats reports the worker's active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
