package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

// PositionReader defines the store methods the position handler requires.
type PositionReader interface {
	Get(ctx context.Context, key domain.PositionKey) (domain.Position, error)
	List(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error)
	ListOpen(ctx context.Context) ([]domain.Position, error)
	ListEvents(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error)
}

// PositionHandler serves position and processed-event endpoints.
type PositionHandler struct {
	positions PositionReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given store and logger.
func NewPositionHandler(positions PositionReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions matching the query filters.
// GET /api/positions?status=OPEN&account=..&symbol=..&strategy=..&limit=..&offset=..
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	f := domain.PositionFilter{
		Status:     domain.PositionStatus(strings.ToUpper(q.Get("status"))),
		AccountID:  q.Get("account"),
		Symbol:     strings.ToUpper(q.Get("symbol")),
		StrategyID: q.Get("strategy"),
		ListOpts:   opts,
	}
	switch f.Status {
	case "", domain.PositionStatusOpen, domain.PositionStatusClosed:
	default:
		writeError(w, http.StatusBadRequest, "status must be OPEN or CLOSED")
		return
	}

	positions, err := h.positions.List(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by key.
// GET /api/positions/{account}/{symbol}/{strategy}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	key := domain.PositionKey{
		AccountID:  pathParam(r, "account"),
		Symbol:     strings.ToUpper(pathParam(r, "symbol")),
		StrategyID: pathParam(r, "strategy"),
	}
	pos, err := h.positions.Get(r.Context(), key)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListEvents returns processed events, newest first.
// GET /api/events?limit=..&offset=..&since=..&until=..
func (h *PositionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.positions.ListEvents(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.ProcessedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
