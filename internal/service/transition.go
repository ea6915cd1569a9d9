package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
)

// exitRequest describes one reduce-only exit against an open position.
type exitRequest struct {
	Tier   int               // 1-5 for take-profit tiers, 0 otherwise
	Reason domain.ExitReason // bucket credited by a full close
	Qty    float64           // ignored when Full
	Full   bool
	Action string
}

// executeExit places a reduce-only market order for req and records the fill
// on pos. Exchange failures come back as warning or error outcomes with a nil
// error and leave pos untouched. A non-nil error means the order went through
// but could not be saved; the caller must roll back its scope.
//
// Both the webhook path and the price monitor close positions through here.
func executeExit(
	ctx context.Context,
	tx domain.PositionTx,
	adapter domain.ExecutionAdapter,
	pos *domain.Position,
	req exitRequest,
	now time.Time,
) (domain.Outcome, error) {
	qty := req.Qty
	if req.Full {
		qty = pos.RemainingQty
	}
	if qty <= domain.QtyEpsilon {
		return domain.Warning(req.Action, "no remaining quantity to close"), nil
	}

	side := pos.Side.ExitOrderSide()
	res, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   qty,
		ReduceOnly: true,
		Type:       domain.OrderTypeMarket,
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuantityTooSmall) {
			metrics.Orders.WithLabelValues(pos.AccountID, string(side), "too_small").Inc()
			return domain.Warning(req.Action, "exchange rejected quantity, position likely flat: "+err.Error()), nil
		}
		metrics.Orders.WithLabelValues(pos.AccountID, string(side), "error").Inc()
		return domain.Failure(req.Action, err), nil
	}
	metrics.Orders.WithLabelValues(pos.AccountID, string(side), "ok").Inc()

	if req.Full {
		qty = pos.ApplyFullClose(req.Reason, res.OrderID, now)
	} else {
		// Credit what the exchange filled; lot-size rounding can trim the
		// request.
		if res.FilledQty > 0 && res.FilledQty < qty {
			qty = res.FilledQty
		}
		before := pos.RemainingQty
		pos.ApplyPartialExit(req.Tier, qty, res.FillPrice, res.OrderID, now)
		qty = before - pos.RemainingQty
	}

	if err := tx.SavePosition(ctx, pos); err != nil {
		err = fmt.Errorf("order %s placed but not recorded: %w", res.OrderID, err)
		return domain.Failure(req.Action, err), err
	}
	return domain.Success(req.Action, res.OrderID, qty, res.FillPrice), nil
}

// exitEvent builds the published event for a successful exit.
func exitEvent(source string, pos *domain.Position, out domain.Outcome, reason string) domain.PositionEvent {
	kind := domain.PositionReduced
	if !pos.IsOpen() {
		kind = domain.PositionClosed
	}
	return positionEvent(kind, source, pos, out.Quantity, out.Price, reason, out.OrderID)
}
