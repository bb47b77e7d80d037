package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	engine Engine
	now    func() time.Time
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given engine and logger.
func NewPositionHandler(e Engine, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		engine: e,
		now:    time.Now,
		logger: logHandler(logger, "positions"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions, optionally filtered by status and token.
// GET /api/positions?status=open&token_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.PositionFilter{
		Status:  domain.PositionStatus(q.Get("status")),
		TokenID: q.Get("token_id"),
	}
	switch filter.Status {
	case "", domain.PositionStatusOpen, domain.PositionStatusPartiallyClosed, domain.PositionStatusClosed:
	default:
		writeError(w, http.StatusBadRequest, "status must be open, partially_closed or closed")
		return
	}

	positions := h.engine.Positions(filter)
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position with its exit history.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Position(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// OpenPosition records a new position. A missing timestamp defaults to now.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var spec domain.EntrySpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if spec.Timestamp.IsZero() {
		spec.Timestamp = h.now().UTC()
	}

	id, err := h.engine.Open(r.Context(), spec)
	if err != nil {
		writeDomainError(w, r, h.logger, "open position", err)
		return
	}
	p, err := h.engine.Position(id)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ApplyExit records a partial or full exit against a position.
// POST /api/positions/{id}/exits
func (h *PositionHandler) ApplyExit(w http.ResponseWriter, r *http.Request) {
	var req domain.ExitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.PositionID = pathParam(r, "id")
	if req.Timestamp.IsZero() {
		req.Timestamp = h.now().UTC()
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	res, err := h.engine.ApplyExit(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "apply exit", err)
		return
	}
	status := http.StatusOK
	if res.Duplicate {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}
