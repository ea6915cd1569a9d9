package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/service"
)

// PositionSyncer runs an on-demand reconciliation pass.
type PositionSyncer interface {
	Run(ctx context.Context) (service.ReconcileReport, error)
}

// AdminHandler serves operator actions and the audit trail.
type AdminHandler struct {
	syncer  PositionSyncer
	prices  domain.PriceCache
	audit   domain.AuditStore
	archive domain.BlobReader
	logger  *slog.Logger
	now     func() time.Time
}

// NewAdminHandler creates an AdminHandler. prices, audit and archive may be
// nil; their endpoints then answer 501.
func NewAdminHandler(syncer PositionSyncer, prices domain.PriceCache, audit domain.AuditStore, archive domain.BlobReader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		syncer:  syncer,
		prices:  prices,
		audit:   audit,
		archive: archive,
		logger:  logHandler(logger, "admin"),
		now:     time.Now,
	}
}

// SyncPositions reconciles stored open positions with the exchanges.
// POST /api/sync_positions
func (h *AdminHandler) SyncPositions(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncer.Run(r.Context())
	if errors.Is(err, domain.ErrLockHeld) {
		writeError(w, http.StatusConflict, "reconciliation already running")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "sync positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to sync positions")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type setPriceRequest struct {
	Price flexFloat `json:"price"`
}

// SetPrice stores a price used by paper accounts.
// POST /api/prices/{symbol}
func (h *AdminHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusNotImplemented, "price cache not configured")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(pathParam(r, "symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	var req setPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Price.Set || req.Price.Value <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	now := h.now().UTC()
	if err := h.prices.SetPrice(r.Context(), symbol, req.Price.Value, now); err != nil {
		h.logger.ErrorContext(r.Context(), "set price failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to set price")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "price": req.Price.Value, "at": now})
}

// ListPrices returns cached prices for a comma-separated symbol list.
// Symbols without a cached price are omitted.
// GET /api/prices?symbols=BTCUSDT,ETHUSDT
func (h *AdminHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusNotImplemented, "price cache not configured")
		return
	}
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols required")
		return
	}
	prices, err := h.prices.GetPrices(r.Context(), symbols)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get prices failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get prices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?limit=..&offset=..&since=..&until=..
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListArchive lists exported archive objects.
// GET /api/archive?kind=positions|events
func (h *AdminHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "archive not configured")
		return
	}
	prefix := "archive/"
	switch kind := r.URL.Query().Get("kind"); kind {
	case "":
	case "positions", "events":
		prefix += kind + "/"
	default:
		writeError(w, http.StatusBadRequest, "kind must be positions or events")
		return
	}
	objects, err := h.archive.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archive failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archive")
		return
	}
	if objects == nil {
		objects = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}
