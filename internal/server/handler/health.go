package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check and status endpoints.
type HealthHandler struct {
	engine Engine
	checks map[string]Check
	mode   string
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(e Engine, checks map[string]Check, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{engine: e, checks: checks, mode: mode, logger: logHandler(logger, "health")}
}

// HealthCheck reports liveness plus the state of every dependency. A failed
// dependency or a paused engine yields 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	if paused, reason := h.engine.Paused(); paused {
		status = http.StatusServiceUnavailable
		body["paused"] = true
		if reason != nil {
			body["pause_reason"] = reason.Error()
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

// GetStatus responds with the mode, pause state and feed cursor.
// GET /api/status
func (h *HealthHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	paused, reason := h.engine.Paused()
	body := map[string]any{
		"mode":     h.mode,
		"paused":   paused,
		"cursor":   h.engine.Cursor(),
		"entities": len(h.engine.Entities()),
	}
	if reason != nil {
		body["pause_reason"] = reason.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// Resume lifts a pause after the operator has fixed its cause.
// POST /api/resume
func (h *HealthHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(r.Context()); err != nil {
		writeDomainError(w, r, h.logger, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}
