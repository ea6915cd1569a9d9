// Package paper implements a simulated execution adapter that fills every
// order at the cached last price.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

// StartingBalance is the simulated USDT wallet of a paper account.
const StartingBalance = 10000

// Adapter tracks net positions per symbol for one simulated account.
type Adapter struct {
	prices domain.PriceCache

	mu       sync.Mutex
	net      map[string]float64
	entry    map[string]float64
	leverage map[string]int
}

// New creates an Adapter reading prices from prices.
func New(prices domain.PriceCache) *Adapter {
	return &Adapter{
		prices:   prices,
		net:      make(map[string]float64),
		entry:    make(map[string]float64),
		leverage: make(map[string]int),
	}
}

// PlaceOrder fills immediately at the cached price. Reduce-only orders are
// capped at the open quantity and rejected when there is nothing to reduce.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Quantity <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: quantity %g: %w", req.Quantity, domain.ErrQuantityTooSmall)
	}
	price := req.Price
	if req.Type != domain.OrderTypeLimit || price <= 0 {
		var err error
		if price, err = a.LastPrice(ctx, req.Symbol); err != nil {
			return domain.OrderResult{}, err
		}
	}

	signed := req.Quantity
	if req.Side == domain.OrderSideSell {
		signed = -signed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.net[req.Symbol]
	if req.ReduceOnly {
		if math.Abs(cur) < domain.FlatThreshold || math.Signbit(cur) == math.Signbit(signed) {
			return domain.OrderResult{}, fmt.Errorf("paper: reduce-only order qty exceeds position: %w", domain.ErrQuantityTooSmall)
		}
		if math.Abs(signed) > math.Abs(cur) {
			signed = -cur
		}
	}

	next := cur + signed
	switch {
	case math.Abs(next) < domain.FlatThreshold:
		delete(a.net, req.Symbol)
		delete(a.entry, req.Symbol)
	case math.Signbit(next) != math.Signbit(cur) || cur == 0:
		a.net[req.Symbol] = next
		a.entry[req.Symbol] = price
	default:
		if math.Abs(next) > math.Abs(cur) {
			a.entry[req.Symbol] = (a.entry[req.Symbol]*math.Abs(cur) + price*math.Abs(signed)) / math.Abs(next)
		}
		a.net[req.Symbol] = next
	}

	return domain.OrderResult{
		OrderID:   uuid.NewString(),
		FillPrice: price,
		FilledQty: math.Abs(signed),
	}, nil
}

// LastPrice reads the cached price.
func (a *Adapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	price, _, err := a.prices.GetPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrPriceUnavailable)
		}
		return 0, fmt.Errorf("paper: price %s: %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return price, nil
}

// PositionSnapshot returns the simulated net position, or nil when flat.
func (a *Adapter) PositionSnapshot(_ context.Context, symbol string) (*domain.ExchangePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	qty, ok := a.net[symbol]
	if !ok {
		return nil, nil
	}
	return &domain.ExchangePosition{Symbol: symbol, Quantity: qty, EntryPrice: a.entry[symbol]}, nil
}

// Configure records the leverage; margin mode has no simulated effect.
func (a *Adapter) Configure(_ context.Context, symbol string, leverage int, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leverage[symbol] = leverage
	return nil
}

// Balances reports the fixed simulated wallet.
func (a *Adapter) Balances(context.Context) ([]domain.Balance, error) {
	return []domain.Balance{{Asset: "USDT", Balance: StartingBalance, Available: StartingBalance}}, nil
}

// Symbols lists symbols with an open simulated position.
func (a *Adapter) Symbols(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.net))
	for s := range a.net {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Flatten drops the simulated position for symbol, as if it had been closed
// outside this service.
func (a *Adapter) Flatten(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.net, symbol)
	delete(a.entry, symbol)
}
