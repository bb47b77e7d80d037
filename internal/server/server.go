// Package server is the HTTP API of the risk daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/metrics"
	"github.com/alanyoungcy/positionrisk/internal/server/handler"
	"github.com/alanyoungcy/positionrisk/internal/server/middleware"
	"github.com/alanyoungcy/positionrisk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
	Mode        string
}

// Deps are the collaborators the API serves. Engine and Metrics are
// required.
type Deps struct {
	Engine    handler.Engine
	Metrics   *metrics.Registry
	Decisions domain.DecisionStore // optional; falls back to the engine's ring
	Limiter   domain.RateLimiter   // optional; defaults to an in-memory limiter
	Checks    map[string]handler.Check
	Hub       *ws.Hub // optional
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limit) and attaches the
// WebSocket hub when one is given.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	health := handler.NewHealthHandler(deps.Engine, deps.Checks, cfg.Mode, logger)
	positions := handler.NewPositionHandler(deps.Engine, logger)
	entities := handler.NewEntityHandler(deps.Engine, logger)
	decisions := handler.NewDecisionHandler(deps.Engine, deps.Decisions, logger)

	// Health and metrics (no auth required).
	mux.HandleFunc("GET /api/health", health.HealthCheck)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	mux.HandleFunc("GET /api/status", health.GetStatus)
	mux.HandleFunc("POST /api/resume", health.Resume)

	// Positions.
	mux.HandleFunc("GET /api/positions", positions.ListPositions)
	mux.HandleFunc("POST /api/positions", positions.OpenPosition)
	mux.HandleFunc("GET /api/positions/{id}", positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/exits", positions.ApplyExit)

	// Monitored entities.
	mux.HandleFunc("GET /api/entities", entities.ListEntities)
	mux.HandleFunc("POST /api/entities", entities.RegisterEntity)
	mux.HandleFunc("GET /api/entities/{id}", entities.GetEntity)
	mux.HandleFunc("DELETE /api/entities/{id}", entities.Unsubscribe)
	mux.HandleFunc("POST /api/entities/{id}/reset", entities.ResetEntity)

	// Decisions and portfolio.
	mux.HandleFunc("GET /api/decisions", decisions.ListDecisions)
	mux.HandleFunc("POST /api/entries/evaluate", decisions.EvaluateEntry)
	mux.HandleFunc("GET /api/portfolio", decisions.GetPortfolio)

	// WebSocket endpoint.
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	public := []string{"/api/health", "/metrics"}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if cfg.RateLimit > 0 {
		limiter := deps.Limiter
		if limiter == nil {
			limiter = middleware.NewMemoryLimiter()
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger, public...)(h)
	}
	h = middleware.Auth(cfg.APIKey, public...)(h)
	h = middleware.Logging(logger, deps.Metrics)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
