package domain

import "time"

// PositionEventKind names a published position change.
type PositionEventKind string

const (
	PositionOpened     PositionEventKind = "opened"
	PositionReduced    PositionEventKind = "partial_exit"
	PositionClosed     PositionEventKind = "closed"
	PositionReconciled PositionEventKind = "reconciled"
)

// PositionEvent is broadcast after a committed position change.
type PositionEvent struct {
	Kind         PositionEventKind `json:"kind"`
	Source       string            `json:"source"`
	EventID      string            `json:"event_id,omitempty"`
	AccountID    string            `json:"account_id"`
	Symbol       string            `json:"symbol"`
	StrategyID   string            `json:"strategy_id"`
	Side         Side              `json:"side"`
	Quantity     float64           `json:"quantity"`
	RemainingQty float64           `json:"remaining_qty"`
	Price        float64           `json:"price,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	OrderID      string            `json:"order_id,omitempty"`
	At           time.Time         `json:"at"`
}
