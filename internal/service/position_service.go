package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

const (
	// PositionsChannel is the pub/sub channel carrying position events.
	PositionsChannel = "positions"
	// PositionsStream is the durable stream mirroring PositionsChannel.
	PositionsStream = "stream:positions"
)

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Publisher fans committed position changes out to the signal bus, the audit
// log and operator notifications. Every dependency is optional and every
// failure is logged rather than returned: the change is already committed.
type Publisher struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

// NewPublisher creates a Publisher. Any of bus, audit and notifier may be nil.
func NewPublisher(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "publisher")),
	}
}

// Publish broadcasts ev.
func (p *Publisher) Publish(ctx context.Context, ev domain.PositionEvent) {
	if p == nil {
		return
	}
	key := domain.PositionKey{AccountID: ev.AccountID, Symbol: ev.Symbol, StrategyID: ev.StrategyID}.String()

	if p.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.WarnContext(ctx, "publisher: marshal event failed",
				slog.String("position", key),
				slog.String("error", err.Error()),
			)
			return
		}
		if pubErr := p.bus.Publish(ctx, PositionsChannel, payload); pubErr != nil {
			p.logger.WarnContext(ctx, "publisher: publish event failed",
				slog.String("position", key),
				slog.String("error", pubErr.Error()),
			)
		}
		if streamErr := p.bus.StreamAppend(ctx, PositionsStream, payload); streamErr != nil {
			p.logger.WarnContext(ctx, "publisher: stream append failed",
				slog.String("position", key),
				slog.String("error", streamErr.Error()),
			)
		}
	}

	if p.audit != nil {
		if auditErr := p.audit.Log(ctx, "position_"+string(ev.Kind), map[string]any{
			"position":      key,
			"source":        ev.Source,
			"event_id":      ev.EventID,
			"side":          string(ev.Side),
			"quantity":      ev.Quantity,
			"remaining_qty": ev.RemainingQty,
			"price":         ev.Price,
			"reason":        ev.Reason,
			"order_id":      ev.OrderID,
		}); auditErr != nil {
			p.logger.WarnContext(ctx, "publisher: audit log failed",
				slog.String("position", key),
				slog.String("error", auditErr.Error()),
			)
		}
	}

	if p.notifier != nil {
		title := fmt.Sprintf("%s %s %s", ev.Kind, ev.Symbol, ev.AccountID)
		msg := fmt.Sprintf("strategy=%s side=%s qty=%g remaining=%g price=%g reason=%s",
			ev.StrategyID, ev.Side, ev.Quantity, ev.RemainingQty, ev.Price, ev.Reason)
		if err := p.notifier.Notify(ctx, "position_"+string(ev.Kind), title, msg); err != nil {
			p.logger.WarnContext(ctx, "publisher: notify failed",
				slog.String("position", key),
				slog.String("error", err.Error()),
			)
		}
	}

	p.logger.InfoContext(ctx, "position "+string(ev.Kind),
		slog.String("position", key),
		slog.String("source", ev.Source),
		slog.Float64("quantity", ev.Quantity),
		slog.Float64("remaining_qty", ev.RemainingQty),
		slog.String("reason", ev.Reason),
	)
}

func positionEvent(kind domain.PositionEventKind, source string, pos *domain.Position, qty, price float64, reason, orderID string) domain.PositionEvent {
	return domain.PositionEvent{
		Kind:         kind,
		Source:       source,
		AccountID:    pos.AccountID,
		Symbol:       pos.Symbol,
		StrategyID:   pos.StrategyID,
		Side:         pos.Side,
		Quantity:     qty,
		RemainingQty: pos.RemainingQty,
		Price:        price,
		Reason:       reason,
		OrderID:      orderID,
		At:           pos.UpdatedAt,
	}
}
