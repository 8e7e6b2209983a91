// Package main provides the API router setup.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/thunderbirdlabs/cortex/cmd/cortex-api/handlers"
	"github.com/thunderbirdlabs/cortex/cmd/cortex-api/middleware"
	"github.com/thunderbirdlabs/cortex/internal/api/rpc"
	"github.com/thunderbirdlabs/cortex/internal/config"
	"github.com/thunderbirdlabs/cortex/internal/engine"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, eng *engine.Engine, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(cfg.Server.ReadTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"cortex"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := eng.Ready(ctx); err != nil {
			logger.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", eng.Metrics().Handler())

	ingestionHandler := handlers.NewIngestionHandler(logger, eng)
	queryHandler := handlers.NewQueryHandler(logger, eng)
	adminHandler := handlers.NewAdminHandler(logger, eng)
	queryService := rpc.NewQueryService(logger, eng)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Tenant(cfg.Tenancy.DefaultTenant))

		r.Post("/ingest", ingestionHandler.Ingest)
		r.Post("/ingest/async", ingestionHandler.IngestAsync)
		r.Post("/ingest/batch", ingestionHandler.IngestBatch)
		r.Delete("/documents/{documentID}", ingestionHandler.Delete)

		r.Post("/query", queryHandler.Query)
		r.Post("/chat", queryHandler.Chat)

		r.Post("/dedup", adminHandler.Dedup)
		r.Get("/stats", adminHandler.Stats)
		r.Post("/backfill", adminHandler.Backfill)
		r.Get("/jobs/{jobID}", adminHandler.JobStatus)
	})

	// Connect RPC surface for typed collaborators.
	r.Handle(rpc.QueryProcedure, queryService.Handler())

	return r
}
