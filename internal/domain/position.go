package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// QtyEpsilon is the tolerance under which a remaining quantity counts as zero.
	QtyEpsilon = 1e-9
	// MinCloseQty is the smallest partial-exit quantity ever sent to an exchange.
	MinCloseQty = 0.000001
	// FlatThreshold is the exchange-side quantity under which a position is
	// considered flat during reconciliation.
	FlatThreshold = 1e-6
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryOrderSide is the order side that opens exposure in this direction.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitOrderSide is the order side that reduces exposure in this direction.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitReason attributes closed quantity to a cause.
type ExitReason string

const (
	ReasonTP1       ExitReason = "TP1"
	ReasonTP2       ExitReason = "TP2"
	ReasonTP3       ExitReason = "TP3"
	ReasonTP4       ExitReason = "TP4"
	ReasonTP5       ExitReason = "TP5"
	ReasonStop      ExitReason = "SL"
	ReasonTimeGuard ExitReason = "TIME_GUARD"
	ReasonMaxBars   ExitReason = "MAX_BARS"
	ReasonSwingTP   ExitReason = "SWING_TP"
	ReasonDynTP     ExitReason = "DYN_TP"
	ReasonOther     ExitReason = "OTHER"
)

// TPReason returns the take-profit reason for tier n (1-5), or ReasonOther.
func TPReason(n int) ExitReason {
	switch n {
	case 1:
		return ReasonTP1
	case 2:
		return ReasonTP2
	case 3:
		return ReasonTP3
	case 4:
		return ReasonTP4
	case 5:
		return ReasonTP5
	}
	return ReasonOther
}

// ParseTPLevelName extracts the tier number from names like "TP2".
// It returns 0 when the name is not a take-profit tier.
func ParseTPLevelName(name string) int {
	rest, ok := strings.CutPrefix(strings.ToUpper(name), "TP")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > 5 {
		return 0
	}
	return n
}

// TPLevel is a take-profit level registered at entry.
type TPLevel struct {
	Price   float64 `json:"price"`
	Percent float64 `json:"percent"`
}

// ClosedQty holds the cumulative closed quantity per exit reason. Every
// bucket is monotonically non-decreasing.
type ClosedQty struct {
	TP1       float64 `json:"tp1"`
	TP2       float64 `json:"tp2"`
	TP3       float64 `json:"tp3"`
	TP4       float64 `json:"tp4"`
	TP5       float64 `json:"tp5"`
	SL        float64 `json:"sl"`
	TimeGuard float64 `json:"time_guard"`
	MaxBars   float64 `json:"max_bars"`
	SwingTP   float64 `json:"swing_tp"`
	DynTP     float64 `json:"dyn_tp"`
	Other     float64 `json:"other"`
}

func (c *ClosedQty) bucket(r ExitReason) *float64 {
	switch r {
	case ReasonTP1:
		return &c.TP1
	case ReasonTP2:
		return &c.TP2
	case ReasonTP3:
		return &c.TP3
	case ReasonTP4:
		return &c.TP4
	case ReasonTP5:
		return &c.TP5
	case ReasonStop:
		return &c.SL
	case ReasonTimeGuard:
		return &c.TimeGuard
	case ReasonMaxBars:
		return &c.MaxBars
	case ReasonSwingTP:
		return &c.SwingTP
	case ReasonDynTP:
		return &c.DynTP
	default:
		return &c.Other
	}
}

// Add credits qty to the bucket for r. Negative quantities are ignored.
func (c *ClosedQty) Add(r ExitReason, qty float64) {
	if qty <= 0 {
		return
	}
	*c.bucket(r) += qty
}

// Get returns the bucket for r.
func (c ClosedQty) Get(r ExitReason) float64 {
	return *c.bucket(r)
}

// Total is the sum of all buckets.
func (c ClosedQty) Total() float64 {
	return c.TP1 + c.TP2 + c.TP3 + c.TP4 + c.TP5 + c.SL + c.TimeGuard + c.MaxBars + c.SwingTP + c.DynTP + c.Other
}

// PositionKey identifies a position.
type PositionKey struct {
	AccountID  string `json:"account_id"`
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategy_id"`
}

func (k PositionKey) String() string {
	return k.AccountID + ":" + k.Symbol + ":" + k.StrategyID
}

// Position is the tracked exposure for one account, symbol and strategy.
//
// Buckets in Closed keep their totals across a reopen. ReopenBaseline holds
// their sum at the moment of the latest reopen, so the quantity closed in the
// current life is Closed.Total() - ReopenBaseline.
type Position struct {
	ID             int64              `json:"id"`
	AccountID      string             `json:"account_id"`
	Symbol         string             `json:"symbol"`
	StrategyID     string             `json:"strategy_id"`
	Side           Side               `json:"side"`
	InitialQty     float64            `json:"initial_qty"`
	RemainingQty   float64            `json:"remaining_qty"`
	EntryPrice     float64            `json:"entry_price"`
	Status         PositionStatus     `json:"status"`
	Leverage       int                `json:"leverage"`
	MarginMode     string             `json:"margin_mode"`
	EntryStrategy  string             `json:"entry_strategy"`
	SLType         string             `json:"sl_type"`
	SLPrice        *float64           `json:"sl_price,omitempty"`
	TPLevels       map[string]TPLevel `json:"tp_levels,omitempty"`
	TPLevel        int                `json:"tp_level"`
	Closed         ClosedQty          `json:"closed_qty"`
	ReopenBaseline float64            `json:"reopen_baseline"`
	OrderIDs       []string           `json:"order_ids,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Key returns the identity of the position.
func (p Position) Key() PositionKey {
	return PositionKey{AccountID: p.AccountID, Symbol: p.Symbol, StrategyID: p.StrategyID}
}

// IsOpen reports whether the position holds exposure.
func (p Position) IsOpen() bool { return p.Status == PositionStatusOpen }

// ClosedThisLife is the quantity closed since the latest open or reopen.
func (p Position) ClosedThisLife() float64 {
	return p.Closed.Total() - p.ReopenBaseline
}

// EntryParams carries what an entry fill establishes on a position.
type EntryParams struct {
	Side          Side
	Qty           float64
	EntryPrice    float64
	Leverage      int
	MarginMode    string
	EntryStrategy string
	SLType        string
	SLPrice       *float64
	TPLevels      map[string]TPLevel
	OrderID       string
}

// NewPosition builds a fresh OPEN position from an entry fill.
func NewPosition(key PositionKey, e EntryParams, now time.Time) *Position {
	p := &Position{
		AccountID:  key.AccountID,
		Symbol:     key.Symbol,
		StrategyID: key.StrategyID,
		CreatedAt:  now,
	}
	p.open(e, now)
	return p
}

// Reopen resets a CLOSED position to OPEN for a new life. Closed-quantity
// buckets, the tp_level watermark and order history are kept.
func (p *Position) Reopen(e EntryParams, now time.Time) error {
	if p.IsOpen() {
		return fmt.Errorf("reopen %s: %w", p.Key(), ErrPositionOpen)
	}
	p.ReopenBaseline = p.Closed.Total()
	p.open(e, now)
	return nil
}

func (p *Position) open(e EntryParams, now time.Time) {
	p.Side = e.Side
	p.InitialQty = e.Qty
	p.RemainingQty = e.Qty
	p.EntryPrice = e.EntryPrice
	p.Status = PositionStatusOpen
	p.Leverage = e.Leverage
	p.MarginMode = e.MarginMode
	p.EntryStrategy = e.EntryStrategy
	p.SLType = e.SLType
	p.SLPrice = e.SLPrice
	p.TPLevels = copyLevels(e.TPLevels)
	if e.OrderID != "" {
		p.OrderIDs = append(p.OrderIDs, e.OrderID)
	}
	p.UpdatedAt = now
}

// PartialCloseQty returns initial*fraction clamped to [MinCloseQty, remaining].
// A zero result means nothing can be closed.
func (p *Position) PartialCloseQty(fraction float64) float64 {
	if p.RemainingQty <= QtyEpsilon {
		return 0
	}
	qty := math.Max(MinCloseQty, p.InitialQty*fraction)
	return math.Min(qty, p.RemainingQty)
}

// ApplyPartialExit records a reduce-only fill of qty attributed to tier.
// tier is 1-5 for take-profit levels and 0 for anything else. fillPrice
// seeds EntryPrice when it was never recorded.
func (p *Position) ApplyPartialExit(tier int, qty, fillPrice float64, orderID string, now time.Time) {
	qty = math.Min(qty, p.RemainingQty)
	p.Closed.Add(TPReason(tier), qty)
	p.RemainingQty -= qty
	if tier > p.TPLevel {
		p.TPLevel = tier
	}
	if p.EntryPrice == 0 && fillPrice > 0 {
		p.EntryPrice = fillPrice
	}
	if orderID != "" {
		p.OrderIDs = append(p.OrderIDs, orderID)
	}
	if p.RemainingQty <= QtyEpsilon {
		p.RemainingQty = 0
		p.Status = PositionStatusClosed
	}
	p.UpdatedAt = now
}

// ApplyFullClose credits the whole remaining quantity to reason and closes
// the position. It returns the quantity closed.
func (p *Position) ApplyFullClose(reason ExitReason, orderID string, now time.Time) float64 {
	qty := p.RemainingQty
	p.Closed.Add(reason, qty)
	p.RemainingQty = 0
	p.Status = PositionStatusClosed
	if reason == ReasonTP5 && p.TPLevel < 5 {
		p.TPLevel = 5
	}
	if orderID != "" {
		p.OrderIDs = append(p.OrderIDs, orderID)
	}
	p.UpdatedAt = now
	return qty
}

// CheckConservation verifies remaining = initial - closed for the current life.
func (p *Position) CheckConservation(tol float64) error {
	diff := p.InitialQty - p.ClosedThisLife() - p.RemainingQty
	if math.IsNaN(diff) || math.IsInf(diff, 0) {
		return fmt.Errorf("position %s: non-finite quantities (initial %g, remaining %g)", p.Key(), p.InitialQty, p.RemainingQty)
	}
	if math.Abs(diff) > tol {
		return fmt.Errorf("position %s: conservation off by %g", p.Key(), diff)
	}
	if p.RemainingQty < 0 {
		return fmt.Errorf("position %s: negative remaining %g", p.Key(), p.RemainingQty)
	}
	return nil
}

func copyLevels(in map[string]TPLevel) map[string]TPLevel {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]TPLevel, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
