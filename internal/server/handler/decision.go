package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/engine"
)

// DecisionHandler serves decision history and entry evaluation.
type DecisionHandler struct {
	engine Engine
	store  domain.DecisionStore
	logger *slog.Logger
}

// NewDecisionHandler creates a DecisionHandler. Without a store, history
// comes from the engine's in-memory ring.
func NewDecisionHandler(e Engine, store domain.DecisionStore, logger *slog.Logger) *DecisionHandler {
	return &DecisionHandler{engine: e, store: store, logger: logHandler(logger, "decisions")}
}

// ListDecisions returns emitted decisions, newest first.
// GET /api/decisions?entity_id=...&limit=50&offset=0&since=RFC3339
func (h *DecisionHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entityID := r.URL.Query().Get("entity_id")

	var events []domain.DecisionEvent
	if h.store != nil {
		if entityID != "" {
			events, err = h.store.ListByEntity(r.Context(), entityID, opts)
		} else {
			events, err = h.store.ListRecent(r.Context(), opts)
		}
		if err != nil {
			writeDomainError(w, r, h.logger, "list decisions", err)
			return
		}
	} else {
		events = filterRecent(h.engine.RecentDecisions(opts.Offset+opts.Limit), entityID, opts)
	}
	if events == nil {
		events = []domain.DecisionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": events})
}

func filterRecent(recent []domain.DecisionEvent, entityID string, opts domain.ListOpts) []domain.DecisionEvent {
	out := make([]domain.DecisionEvent, 0, len(recent))
	for _, ev := range recent {
		if entityID != "" && ev.EntityID != entityID {
			continue
		}
		if opts.Since != nil && ev.Timestamp.Before(*opts.Since) {
			continue
		}
		out = append(out, ev)
	}
	if opts.Offset >= len(out) {
		return nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// EvaluateEntry checks a proposed buy against the token's risk and the
// concentration limit and returns the allowed size.
// POST /api/entries/evaluate
func (h *DecisionHandler) EvaluateEntry(w http.ResponseWriter, r *http.Request) {
	var p engine.EntryProposal
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.TokenID == "" || p.Price <= 0 {
		writeError(w, http.StatusBadRequest, "token_id and a positive price are required")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.EvaluateEntry(p))
}

// GetPortfolio returns the current portfolio summary.
// GET /api/portfolio
func (h *DecisionHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Portfolio())
}
