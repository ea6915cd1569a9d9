package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/service"
)

const recentEventCount = 10

// MonitorStatuser reports the exit monitor state.
type MonitorStatuser interface {
	Status() service.MonitorStatus
}

// StatusHandler serves the operator overview.
type StatusHandler struct {
	mode      string
	positions PositionReader
	monitor   MonitorStatuser
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. monitor may be nil when the
// process does not run the monitor.
func NewStatusHandler(mode string, positions PositionReader, monitor MonitorStatuser, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		positions: positions,
		monitor:   monitor,
		logger:    logHandler(logger, "status"),
	}
}

type statusResponse struct {
	Mode                   string                       `json:"mode"`
	OpenPositionsByAccount map[string][]domain.Position `json:"open_positions_by_account"`
	RecentEvents           []domain.ProcessedEvent      `json:"recent_events"`
	ActiveAccounts         []string                     `json:"active_accounts"`
	Monitor                *service.MonitorStatus       `json:"monitor,omitempty"`
}

// GetStatus lists open positions grouped by account and the most recent events.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	open, err := h.positions.ListOpen(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "list open positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	events, err := h.positions.ListEvents(ctx, domain.ListOpts{Limit: recentEventCount})
	if err != nil {
		h.logger.ErrorContext(ctx, "list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}

	resp := statusResponse{
		Mode:                   h.mode,
		OpenPositionsByAccount: make(map[string][]domain.Position),
		RecentEvents:           events,
		ActiveAccounts:         []string{},
	}
	if resp.RecentEvents == nil {
		resp.RecentEvents = []domain.ProcessedEvent{}
	}
	for _, p := range open {
		if _, ok := resp.OpenPositionsByAccount[p.AccountID]; !ok {
			resp.ActiveAccounts = append(resp.ActiveAccounts, p.AccountID)
		}
		resp.OpenPositionsByAccount[p.AccountID] = append(resp.OpenPositionsByAccount[p.AccountID], p)
	}
	sort.Strings(resp.ActiveAccounts)
	if h.monitor != nil {
		st := h.monitor.Status()
		resp.Monitor = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMonitor reports the exit monitor state.
// GET /api/monitor
func (h *StatusHandler) GetMonitor(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusOK, service.MonitorStatus{Positions: []domain.PositionKey{}})
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Status())
}
