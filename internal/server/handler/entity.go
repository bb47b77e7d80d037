package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// EntityHandler serves the monitored-entity endpoints.
type EntityHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewEntityHandler creates an EntityHandler.
func NewEntityHandler(e Engine, logger *slog.Logger) *EntityHandler {
	return &EntityHandler{engine: e, logger: logHandler(logger, "entities")}
}

// ListEntities returns every monitored entity, optionally filtered by state.
// GET /api/entities?state=critical
func (h *EntityHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	state := domain.EntityState(r.URL.Query().Get("state"))
	all := h.engine.Entities()
	out := make([]domain.MonitoredEntity, 0, len(all))
	for _, e := range all {
		if state == "" || e.State == state {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": out})
}

// GetEntity returns one entity with its latest score.
// GET /api/entities/{id}
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.Entity(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get entity", err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// registerRequest is the body of RegisterEntity.
type registerRequest struct {
	ID       string            `json:"id"`
	Kind     domain.EntityKind `json:"kind"`
	TokenID  string            `json:"token_id"`
	Baseline domain.Snapshot   `json:"baseline"`
}

// RegisterEntity starts monitoring a wallet or token.
// POST /api/entities
func (h *EntityHandler) RegisterEntity(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ent, err := h.engine.Register(r.Context(), domain.MonitoredEntity{
		ID:       req.ID,
		Kind:     req.Kind,
		TokenID:  req.TokenID,
		Baseline: req.Baseline,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "register entity", err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

// Unsubscribe stops monitoring an entity once its in-flight events drain.
// DELETE /api/entities/{id}
func (h *EntityHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unsubscribe(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, "unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetEntity clears the critical latch. rebaseline=true also adopts the
// current snapshot as the new baseline.
// POST /api/entities/{id}/reset?rebaseline=true
func (h *EntityHandler) ResetEntity(w http.ResponseWriter, r *http.Request) {
	rebaseline := false
	if v := r.URL.Query().Get("rebaseline"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "rebaseline must be a boolean")
			return
		}
		rebaseline = b
	}
	ent, err := h.engine.Reset(r.Context(), pathParam(r, "id"), rebaseline)
	if err != nil {
		writeDomainError(w, r, h.logger, "reset entity", err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}
