// Package server provides the HTTP server and routing for Helmsman.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/allocation"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/marketdata"
	"github.com/aristath/helmsman/internal/modules/performance"
	"github.com/aristath/helmsman/internal/modules/portfolio"
	"github.com/aristath/helmsman/internal/modules/rebalancing"
	"github.com/aristath/helmsman/internal/modules/universe"
)

// Config holds server configuration.
type Config struct {
	Log         zerolog.Logger
	TimelineDB  *database.DB
	LedgerDB    *database.DB
	Timeline    *universe.Timeline
	Universes   domain.UniverseService // optional upstream snapshot source
	Cache       *marketdata.Cache
	Backtests   *backtest.Runner
	Allocations *allocation.Service
	Rebalancer  *rebalancing.Service
	States      *portfolio.StateStore
	Performance *performance.Board
	Port        int
	DevMode     bool
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	timeline    *universe.Timeline
	universes   domain.UniverseService
	backtests   *backtest.Runner
	allocations *allocation.Service
	rebalancer  *rebalancing.Service
	states      *portfolio.StateStore
	performance *performance.Board

	systemHandlers *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		timeline:    cfg.Timeline,
		universes:   cfg.Universes,
		backtests:   cfg.Backtests,
		allocations: cfg.Allocations,
		rebalancer:  cfg.Rebalancer,
		states:      cfg.States,
		performance: cfg.Performance,
		systemHandlers: NewSystemHandlers(
			cfg.Log,
			cfg.TimelineDB,
			cfg.LedgerDB,
			cfg.Cache,
			cfg.Backtests,
		),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Request logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/backtests", func(r chi.Router) {
			r.Post("/", s.handleStartBacktest)
			r.Get("/{id}", s.handleGetBacktest)
			r.Post("/{id}/cancel", s.handleCancelBacktest)
		})

		r.Route("/universes", func(r chi.Router) {
			r.Post("/{id}/snapshots", s.handleAddSnapshot)
			r.Post("/{id}/sync", s.handleSyncUniverse)
			r.Get("/{id}/composition", s.handleComposition)
			r.Get("/{id}/turnover", s.handleTurnover)
		})

		r.Route("/portfolios", func(r chi.Router) {
			r.Put("/{id}/state", s.handleUpdateState)
			r.Post("/{id}/allocation", s.handleComputeAllocation)
			r.Post("/{id}/rebalance", s.handleTriggerRebalance)
			r.Post("/{id}/performance/import", s.handleImportPerformance)
		})

		r.Route("/rebalances", func(r chi.Router) {
			r.Get("/{id}", s.handleGetRebalance)
			r.Post("/{id}/resolve", s.handleResolveRebalance)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleSystemStatus)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
