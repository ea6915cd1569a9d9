// Package binance implements the execution adapter for Binance USD-M
// futures accounts.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Config holds the credentials of one account.
type Config struct {
	APIKey     string
	APISecret  string
	UseTestnet bool
	// BaseURL overrides the endpoint selected by UseTestnet.
	BaseURL string
}

// Adapter places orders on one Binance futures account.
type Adapter struct {
	client *futures.Client
	logger *slog.Logger

	mu    sync.Mutex
	steps map[string]decimal.Decimal // symbol -> LOT_SIZE step
}

// New creates an Adapter. Credentials are not verified until the first
// signed request.
func New(cfg Config, logger *slog.Logger) *Adapter {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	return &Adapter{
		client: client,
		logger: logger.With(slog.String("component", "binance"), slog.String("base_url", client.BaseURL)),
	}
}

// PlaceOrder submits a market or limit order. Market orders ask for the
// RESULT response so the average fill price comes back with the order.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	qty, err := a.FormatQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return domain.OrderResult{}, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Type == domain.OrderTypeLimit && req.Price > 0 {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return domain.OrderResult{}, mapError("place order", err)
	}

	avg, _ := strconv.ParseFloat(order.AvgPrice, 64)
	filled, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	a.logger.InfoContext(ctx, "order placed",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("quantity", qty),
		slog.Bool("reduce_only", req.ReduceOnly),
		slog.Int64("order_id", order.OrderID),
		slog.Float64("avg_price", avg),
	)
	return domain.OrderResult{
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		FillPrice: avg,
		FilledQty: filled,
	}, nil
}

// LastPrice returns the latest traded price.
func (a *Adapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, mapError("last price", err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("binance: last price %s: %w", symbol, domain.ErrPriceUnavailable)
		}
		return v, nil
	}
	return 0, fmt.Errorf("binance: last price %s: %w", symbol, domain.ErrPriceUnavailable)
}

// PositionSnapshot returns the one-way position for symbol, or nil when
// flat.
func (a *Adapter) PositionSnapshot(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	risks, err := a.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError("position risk", err)
	}
	var out *domain.ExchangePosition
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		if out == nil {
			out = &domain.ExchangePosition{Symbol: symbol, EntryPrice: entry}
		}
		out.Quantity += amt
	}
	return out, nil
}

// Configure sets leverage and margin type. "No need to change" answers are
// not errors.
func (a *Adapter) Configure(ctx context.Context, symbol string, leverage int, marginMode string) error {
	var errs []error
	if leverage > 0 {
		if _, err := a.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
			errs = append(errs, mapError("change leverage", err))
		}
	}

	marginType := futures.MarginTypeCrossed
	if strings.EqualFold(marginMode, domain.MarginIsolated) {
		marginType = futures.MarginTypeIsolated
	}
	if err := a.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx); err != nil {
		var apiErr *common.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != codeNoNeedToChangeMargin {
			errs = append(errs, mapError("change margin type", err))
		}
	}
	return errors.Join(errs...)
}

// Balances lists non-zero futures wallet balances.
func (a *Adapter) Balances(ctx context.Context) ([]domain.Balance, error) {
	res, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, mapError("balances", err)
	}
	var out []domain.Balance
	for _, b := range res {
		total, _ := strconv.ParseFloat(b.Balance, 64)
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		if total == 0 && avail == 0 {
			continue
		}
		out = append(out, domain.Balance{Asset: b.Asset, Balance: total, Available: avail})
	}
	return out, nil
}

// Symbols lists tradable symbols, sorted.
func (a *Adapter) Symbols(ctx context.Context) ([]string, error) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapError("exchange info", err)
	}
	a.storeSteps(info)

	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			out = append(out, s.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FormatQuantity floors qty to the symbol's lot step. Exchange info is
// fetched once and cached; without it the quantity is sent unrounded.
func (a *Adapter) FormatQuantity(ctx context.Context, symbol string, qty float64) (string, error) {
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return "", fmt.Errorf("binance: quantity %g for %s: %w", qty, symbol, domain.ErrInvalidSignal)
	}
	step, ok := a.step(ctx, symbol)
	d := decimal.NewFromFloat(qty).Abs()
	if ok && step.IsPositive() {
		d = d.Div(step).Floor().Mul(step)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("binance: quantity %g for %s rounds to zero: %w", qty, symbol, domain.ErrQuantityTooSmall)
	}
	return d.String(), nil
}

func (a *Adapter) step(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	a.mu.Lock()
	loaded := a.steps != nil
	step, ok := a.steps[symbol]
	a.mu.Unlock()
	if loaded {
		return step, ok
	}

	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "exchange info unavailable, sending raw quantity",
			slog.String("error", err.Error()),
		)
		return decimal.Zero, false
	}
	a.storeSteps(info)

	a.mu.Lock()
	defer a.mu.Unlock()
	step, ok = a.steps[symbol]
	return step, ok
}

func (a *Adapter) storeSteps(info *futures.ExchangeInfo) {
	steps := make(map[string]decimal.Decimal, len(info.Symbols))
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f["filterType"] != "LOT_SIZE" {
				continue
			}
			raw, _ := f["stepSize"].(string)
			if step, err := decimal.NewFromString(raw); err == nil {
				steps[s.Symbol] = step
			}
		}
	}
	a.mu.Lock()
	a.steps = steps
	a.mu.Unlock()
}
