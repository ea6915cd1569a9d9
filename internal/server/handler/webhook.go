package handler

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

const maxWebhookBody = 1 << 20

// SignalProcessor applies validated signals.
type SignalProcessor interface {
	ProcessSignal(ctx context.Context, sig domain.Signal) (domain.SignalResult, error)
}

// EventChecker answers whether an event id was already applied.
type EventChecker interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// WebhookHandler is the inbound signal gate.
type WebhookHandler struct {
	passphrase string
	events     EventChecker
	engine     SignalProcessor
	logger     *slog.Logger
	now        func() time.Time
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(passphrase string, events EventChecker, engine SignalProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		passphrase: passphrase,
		events:     events,
		engine:     engine,
		logger:     logHandler(logger, "webhook"),
		now:        time.Now,
	}
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("not a finite number: %q", s)
		}
		f.Value, f.Set = v, true
		return nil
	}
	if err := json.Unmarshal(b, &f.Value); err != nil {
		return err
	}
	f.Set = true
	return nil
}

// stringList accepts a single string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			*l = stringList{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

type tpLevelPayload struct {
	Price   flexFloat `json:"price"`
	Percent flexFloat `json:"percent"`
}

type webhookPayload struct {
	Passphrase     string                    `json:"passphrase"`
	EventID        string                    `json:"event_id"`
	EventType      string                    `json:"event_type"`
	Symbol         string                    `json:"symbol"`
	StrategyID     string                    `json:"strategy_id"`
	Side           string                    `json:"side"`
	Quantity       flexFloat                 `json:"quantity"`
	Leverage       flexFloat                 `json:"leverage"`
	OrderType      string                    `json:"order_type"`
	MarginMode     string                    `json:"margin_mode"`
	TPLevels       map[string]tpLevelPayload `json:"tp_levels"`
	TPPercentages  map[string]flexFloat      `json:"tp_percentages"`
	SLPrice        flexFloat                 `json:"sl_price"`
	SLType         string                    `json:"sl_type"`
	EntryStrategy  string                    `json:"entry_strategy"`
	AccountProfile stringList                `json:"account_profile"`
}

func (p *webhookPayload) signal(now time.Time) domain.Signal {
	sig := domain.Signal{
		EventID:    strings.TrimSpace(p.EventID),
		Type:       domain.EventType(strings.ToUpper(strings.TrimSpace(p.EventType))),
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Symbol)),
		StrategyID: strings.TrimSpace(p.StrategyID),
		ReceivedAt: now,
		Options: domain.SignalOptions{
			Side:           strings.ToLower(p.Side),
			Quantity:       p.Quantity.Value,
			Leverage:       int(p.Leverage.Value),
			OrderType:      strings.ToUpper(p.OrderType),
			MarginMode:     strings.ToLower(p.MarginMode),
			SLType:         strings.ToLower(p.SLType),
			EntryStrategy:  p.EntryStrategy,
			AccountProfile: p.AccountProfile,
		},
	}
	if p.SLPrice.Set {
		v := p.SLPrice.Value
		sig.Options.SLPrice = &v
	}
	if len(p.TPLevels) > 0 {
		sig.Options.TPLevels = make(map[string]domain.TPLevel, len(p.TPLevels))
		for name, lvl := range p.TPLevels {
			sig.Options.TPLevels[strings.ToUpper(name)] = domain.TPLevel{Price: lvl.Price.Value, Percent: lvl.Percent.Value}
		}
	}
	if len(p.TPPercentages) > 0 {
		sig.Options.TPPercentages = make(map[string]float64, len(p.TPPercentages))
		for name, f := range p.TPPercentages {
			sig.Options.TPPercentages[strings.ToUpper(name)] = f.Value
		}
	}
	return sig
}

// HandleWebhook validates and applies an inbound signal.
// POST /webhook
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var p webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&p); err != nil {
		h.logger.WarnContext(ctx, "invalid payload", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}

	if subtle.ConstantTimeCompare([]byte(p.Passphrase), []byte(h.passphrase)) != 1 {
		h.logger.WarnContext(ctx, "passphrase mismatch", slog.String("event_id", p.EventID))
		writeError(w, http.StatusUnauthorized, "invalid passphrase")
		return
	}

	sig := p.signal(h.now().UTC())
	if sig.EventID == "" {
		writeError(w, http.StatusBadRequest, "missing event_id")
		return
	}

	seen, err := h.events.IsProcessed(ctx, sig.EventID)
	if err != nil {
		h.logger.ErrorContext(ctx, "duplicate check failed",
			slog.String("event_id", sig.EventID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to check event")
		return
	}
	if seen {
		writeError(w, http.StatusConflict, domain.ErrDuplicateEvent.Error())
		return
	}

	if err := sig.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.ProcessSignal(ctx, sig)
	if result.Results == nil {
		result.Results = map[string]domain.Outcome{}
	}
	switch {
	case errors.Is(err, domain.ErrDuplicateEvent):
		writeError(w, http.StatusConflict, domain.ErrDuplicateEvent.Error())
	case errors.Is(err, domain.ErrAllAccountsFailed):
		h.logger.ErrorContext(ctx, "all accounts failed", slog.String("event_id", sig.EventID))
		writeJSON(w, http.StatusInternalServerError, result)
	case err != nil:
		h.logger.ErrorContext(ctx, "signal failed",
			slog.String("event_id", sig.EventID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":   "failed",
			"event_id": sig.EventID,
			"error":    err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}
