package domain

import "context"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Margin modes.
const (
	MarginCross    = "cross"
	MarginIsolated = "isolated"
)

// OrderRequest is a single order sent through an ExecutionAdapter.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Quantity   float64
	ReduceOnly bool
	Type       OrderType
	Price      float64 // limit price, ignored for market orders
}

// OrderResult is what the exchange reports for a placed order.
// FillPrice is zero when the exchange did not report one.
type OrderResult struct {
	OrderID   string
	FillPrice float64
	FilledQty float64
}

// ExchangePosition is the exchange-side view of a position.
type ExchangePosition struct {
	Symbol     string
	Quantity   float64 // signed: negative for shorts
	EntryPrice float64
}

// ExecutionAdapter places orders and reads prices for one account.
type ExecutionAdapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	// PositionSnapshot returns nil when the exchange holds no position.
	PositionSnapshot(ctx context.Context, symbol string) (*ExchangePosition, error)
	Configure(ctx context.Context, symbol string, leverage int, marginMode string) error
}

// Balance is one asset balance of an account.
type Balance struct {
	Asset     string  `json:"asset"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
}

// AccountInspector is implemented by adapters that can describe the account.
type AccountInspector interface {
	Balances(ctx context.Context) ([]Balance, error)
	Symbols(ctx context.Context) ([]string, error)
}

// ExchangeRegistry resolves the adapter for an account.
type ExchangeRegistry interface {
	Adapter(accountID string) (ExecutionAdapter, error)
}
