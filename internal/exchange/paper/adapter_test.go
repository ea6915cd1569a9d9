package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/store/memory"
)

func newAdapter(t *testing.T, price float64) *Adapter {
	t.Helper()
	prices := memory.NewPriceCache()
	require.NoError(t, prices.SetPrice(context.Background(), "BTCUSDT", price, time.Now()))
	return New(prices)
}

func TestAdapter_OpenReduceClose(t *testing.T) {
	a := newAdapter(t, 100)
	ctx := context.Background()

	res, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1, Type: domain.OrderTypeMarket})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.InDelta(t, 100.0, res.FillPrice, 1e-12)

	snap, err := a.PositionSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.InDelta(t, 1.0, snap.Quantity, 1e-12)

	res, err = a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: 0.4, ReduceOnly: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.FilledQty, 1e-12)

	res, err = a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: 5, ReduceOnly: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.FilledQty, 1e-9, "reduce-only is capped at the open quantity")

	snap, err = a.PositionSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, domain.ErrQuantityTooSmall)
}

func TestAdapter_ReduceOnlyWrongSide(t *testing.T) {
	a := newAdapter(t, 100)
	ctx := context.Background()

	_, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: 1})
	require.NoError(t, err)

	_, err = a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, domain.ErrQuantityTooSmall)
}

func TestAdapter_AveragesEntry(t *testing.T) {
	prices := memory.NewPriceCache()
	ctx := context.Background()
	a := New(prices)

	require.NoError(t, prices.SetPrice(ctx, "BTCUSDT", 100, time.Now()))
	_, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, prices.SetPrice(ctx, "BTCUSDT", 200, time.Now()))
	_, err = a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1})
	require.NoError(t, err)

	snap, err := a.PositionSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 150.0, snap.EntryPrice, 1e-9)
	assert.InDelta(t, 2.0, snap.Quantity, 1e-12)
}

func TestAdapter_NoPrice(t *testing.T) {
	a := New(memory.NewPriceCache())

	_, err := a.LastPrice(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	_, err = a.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "ETHUSDT", Side: domain.OrderSideBuy, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}
