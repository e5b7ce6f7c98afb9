// Kestrel - Fraud scoring and payment verification for payment platforms.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize the fraud engine
	eng, err := engine.New(cfg, repo, cacheImpl, busImpl)
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	// Load rules from the database, falling back to the built-in set
	// when the database is empty.
	if err := loadRules(ctx, repo, eng); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule catalog initialized", "rules_count", eng.Catalog().Count())

	// Load suspicious IPs for the network rules.
	if raw := os.Getenv("KESTREL_SUSPICIOUS_IPS"); raw != "" {
		feed := eng.ThreatFeed()
		for _, ip := range strings.Split(raw, ",") {
			feed.Add(strings.TrimSpace(ip))
		}
	}

	// Start the expiry monitor.
	monitor := engine.NewMonitor(eng, cfg.Verification.SweepInterval)
	go monitor.Run(ctx)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, eng)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				tenantIDs = append(tenantIDs, strings.TrimSpace(t))
			}
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	monitor.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// loadRules loads the rule set from the database; an empty database
// falls back to the built-in defaults so a fresh install detects the
// obvious patterns out of the box.
func loadRules(ctx context.Context, repo domain.Repository, eng *engine.Engine) error {
	dbRules, err := repo.ListRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database, using defaults", "error", err)
		return eng.LoadRules(rules.DefaultRules())
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return eng.LoadRules(dbRules)
	}

	defaults := rules.DefaultRules()
	slog.Info("no rules in database, loading built-in defaults", "count", len(defaults))
	for _, r := range defaults {
		if err := repo.SaveRule(ctx, GlobalTenantID, r); err != nil {
			slog.Warn("failed to persist default rule", "id", r.ID, "error", err)
		}
	}
	return eng.LoadRules(defaults)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                   ║")
	fmt.Println("  ║   Fraud Scoring & Payment Verification    ║")
	fmt.Println("  ║       Every payment, weighed first.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions/analyze                     - Score a transaction")
	fmt.Println("    POST /transactions/ingest                      - Queue async analysis")
	fmt.Println("    POST /verifications                            - Start payment verification")
	fmt.Println("    GET  /verifications/{id}                       - Verification status")
	fmt.Println("    POST /verifications/{id}/steps/{stepID}/retry  - Retry a failed step")
	fmt.Println("    POST /verifications/{id}/override              - Override the decision")
	fmt.Println("    POST /verifications/{id}/cancel                - Cancel the workflow")
	fmt.Println("    GET  /alerts                                   - List fraud alerts")
	fmt.Println("    POST /cases                                    - Open a fraud case")
	fmt.Println("    GET  /stats/fraud                              - Fraud dashboard stats")
	fmt.Println("    GET  /stats/verifications                      - Verification stats")
	fmt.Println("    GET  /rules                                    - List rules")
	fmt.Println("    POST /rules                                    - Create a rule")
	fmt.Println("    POST /rules/reload                             - Hot-reload rules")
	fmt.Println("    GET  /health                                   - Health check")
	fmt.Println()
}
