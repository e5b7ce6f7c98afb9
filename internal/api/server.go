// Package api exposes the fraud engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Transaction analysis
		r.Post("/transactions/analyze", handler.Analyze)
		r.Post("/transactions/ingest", handler.Ingest)

		// Payment verification workflows
		r.Post("/verifications", handler.StartVerification)
		r.Get("/verifications/{id}", handler.GetVerification)
		r.Post("/verifications/{id}/steps/{stepID}/retry", handler.RetryStep)
		r.Post("/verifications/{id}/override", handler.Override)
		r.Post("/verifications/{id}/cancel", handler.Cancel)

		// Alerts and cases
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)
		r.Post("/alerts/{id}/false-positive", handler.FalsePositiveAlert)
		r.Post("/alerts/{id}/escalate", handler.EscalateAlert)
		r.Post("/cases", handler.CreateCase)
		r.Get("/cases/{id}", handler.GetCase)
		r.Post("/cases/{id}/alerts", handler.AttachAlert)

		// Dashboards
		r.Get("/stats/fraud", handler.FraudStats)
		r.Get("/stats/verifications", handler.VerificationStats)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
