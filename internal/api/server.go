// Package api provides the coordinator's HTTP API server.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/narvanalabs/fleetdeploy/internal/api/handlers"
	"github.com/narvanalabs/fleetdeploy/internal/api/health"
	"github.com/narvanalabs/fleetdeploy/internal/api/middleware"
	"github.com/narvanalabs/fleetdeploy/internal/metrics"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/registry"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the services the API server exposes.
type Deps struct {
	Rollout  *rollout.Service
	Registry *registry.Service
	Broker   *notify.Broker
	Pinger   health.Pinger
	// Registerer and Gatherer back the HTTP metrics and /metrics. Both may be nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router          chi.Router
	httpServer      *http.Server
	addr            string
	shutdownTimeout time.Duration
	deps            Deps
	logger          *slog.Logger
	healthChecker   *health.Checker
}

// NewServer creates a new API server listening on addr.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:            addr,
		shutdownTimeout: 30 * time.Second,
		deps:            deps,
		logger:          logger,
		healthChecker:   health.NewChecker(deps.Pinger, Version),
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.LogContext)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	if s.deps.Registerer != nil {
		r.Use(metrics.NewHTTP(s.deps.Registerer).Middleware)
	}

	r.Get("/health", s.healthChecker.Handler())
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Gatherer))
	}
	// The event stream is long-lived, so it sits outside the request timeout.
	if s.deps.Broker != nil {
		r.Method(http.MethodGet, "/ws", notify.NewHub(s.deps.Broker, s.logger))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		shipHandler := handlers.NewShipHandler(s.deps.Rollout, s.logger)
		deploymentHandler := handlers.NewDeploymentHandler(s.deps.Rollout, s.logger)
		r.Route("/ships", func(r chi.Router) {
			r.Get("/", shipHandler.List)
			r.Post("/register", shipHandler.Register)
			r.Get("/outdated", shipHandler.Outdated)
			r.Route("/{shipID}", func(r chi.Router) {
				r.Use(middleware.ShipContext)
				r.Get("/", shipHandler.Get)
				r.Post("/health", shipHandler.ReportHealth)
				r.Get("/updates/pending", shipHandler.PendingUpdates)
				r.Post("/updates/{updateID}/status", shipHandler.ReportStatus)
				r.Post("/deployments", deploymentHandler.Create)
				r.Get("/deployments", deploymentHandler.List)
				r.Post("/rollback", deploymentHandler.Rollback)
			})
		})

		r.Get("/deployments/{deploymentID}", deploymentHandler.Get)

		fleetHandler := handlers.NewFleetHandler(s.deps.Rollout, s.logger)
		r.Route("/fleet", func(r chi.Router) {
			r.Get("/status", fleetHandler.Status)
			r.Get("/health", fleetHandler.Health)
			r.Post("/rollback", fleetHandler.Rollback)
			r.Route("/deployments", func(r chi.Router) {
				r.Post("/", fleetHandler.CreateDeployment)
				r.Get("/", fleetHandler.ListDeployments)
				r.Get("/{id}", fleetHandler.GetDeployment)
				r.Get("/{id}/progress", fleetHandler.Progress)
			})
		})

		if s.deps.Registry != nil {
			registryHandler := handlers.NewRegistryHandler(s.deps.Registry, s.logger)
			r.Route("/registry", func(r chi.Router) {
				r.Get("/info", registryHandler.Info)
				r.Get("/versions", registryHandler.Versions)
				r.Get("/versions/{version}/available", registryHandler.VersionAvailable)
				r.Get("/latest", registryHandler.Latest)
				r.Post("/validate", registryHandler.ValidateImage)
				r.Route("/releases", func(r chi.Router) {
					r.Post("/", registryHandler.CreateRelease)
					r.Get("/", registryHandler.ListReleases)
					r.Get("/{id}", registryHandler.GetRelease)
					r.Post("/{id}/status", registryHandler.MarkRelease)
				})
			})
		}
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// SetShutdownTimeout overrides the graceful shutdown timeout.
func (s *Server) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		s.shutdownTimeout = d
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// RegisterHealthCheck adds a named component to /health.
func (s *Server) RegisterHealthCheck(name string, fn health.CheckFunc) {
	s.healthChecker.Register(name, fn)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
