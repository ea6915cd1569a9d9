package binance

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

const exchangeInfoJSON = `{"symbols":[
	{"symbol":"BTCUSDT","status":"TRADING","filters":[{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"}]},
	{"symbol":"ETHUSDT","status":"TRADING","filters":[{"filterType":"LOT_SIZE","stepSize":"0.01","minQty":"0.01","maxQty":"10000"}]},
	{"symbol":"OLDUSDT","status":"SETTLING","filters":[]}
]}`

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFormatQuantity(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, exchangeInfoJSON)
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		symbol  string
		qty     float64
		want    string
		wantErr error
	}{
		{name: "floors to step", symbol: "BTCUSDT", qty: 0.12345, want: "0.123"},
		{name: "exact step", symbol: "ETHUSDT", qty: 1.5, want: "1.5"},
		{name: "negative made positive", symbol: "ETHUSDT", qty: -2.019, want: "2.01"},
		{name: "unknown symbol unrounded", symbol: "XYZUSDT", qty: 0.5, want: "0.5"},
		{name: "below step", symbol: "BTCUSDT", qty: 0.0004, wantErr: domain.ErrQuantityTooSmall},
		{name: "infinite rejected", symbol: "BTCUSDT", qty: math.Inf(1), wantErr: domain.ErrInvalidSignal},
		{name: "nan rejected", symbol: "BTCUSDT", qty: math.NaN(), wantErr: domain.ErrInvalidSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.FormatQuantity(ctx, tt.symbol, tt.qty)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	var form string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/exchangeInfo"):
			_, _ = io.WriteString(w, exchangeInfoJSON)
		case strings.HasSuffix(r.URL.Path, "/order"):
			body, _ := io.ReadAll(r.Body)
			form = r.URL.RawQuery + "&" + string(body)
			_, _ = io.WriteString(w, `{"orderId":42,"symbol":"BTCUSDT","status":"FILLED","avgPrice":"101.5","executedQty":"0.2","origQty":"0.2","side":"SELL","type":"MARKET","reduceOnly":true}`)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := a.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideSell,
		Quantity:   0.2004,
		ReduceOnly: true,
		Type:       domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.OrderID)
	assert.InDelta(t, 101.5, res.FillPrice, 1e-12)
	assert.InDelta(t, 0.2, res.FilledQty, 1e-12)

	assert.Contains(t, form, "quantity=0.2")
	assert.Contains(t, form, "reduceOnly=true")
	assert.Contains(t, form, "side=SELL")
	assert.Contains(t, form, "type=MARKET")
}

func TestPlaceOrder_MapsQuantityErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "qty out of range", body: `{"code":-4003,"msg":"Quantity less than or equal to zero."}`, want: domain.ErrQuantityTooSmall},
		{name: "reduce only rejected", body: `{"code":-2022,"msg":"ReduceOnly Order is rejected."}`, want: domain.ErrQuantityTooSmall},
		{name: "min notional", body: `{"code":-4164,"msg":"Order's notional must be no smaller than 5"}`, want: domain.ErrQuantityTooSmall},
		{name: "rate limited", body: `{"code":-1003,"msg":"Too many requests"}`, want: domain.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "/exchangeInfo") {
					_, _ = io.WriteString(w, exchangeInfoJSON)
					return
				}
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := a.PlaceOrder(context.Background(), domain.OrderRequest{
				Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1, Type: domain.OrderTypeMarket,
			})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPositionSnapshot(t *testing.T) {
	body := `[{"symbol":"BTCUSDT","positionAmt":"-0.5","entryPrice":"100.0","positionSide":"BOTH"}]`
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})

	snap, err := a.PositionSnapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.InDelta(t, -0.5, snap.Quantity, 1e-12)
	assert.InDelta(t, 100.0, snap.EntryPrice, 1e-12)

	body = `[{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0.0","positionSide":"BOTH"}]`
	snap, err = a.PositionSnapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestConfigure_IgnoresNoNeedToChange(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/marginType") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"code":-4046,"msg":"No need to change margin type."}`)
			return
		}
		_, _ = io.WriteString(w, `{"leverage":5,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`)
	})

	require.NoError(t, a.Configure(context.Background(), "BTCUSDT", 5, domain.MarginIsolated))
}

func TestSymbols(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, exchangeInfoJSON)
	})

	syms, err := a.Symbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, syms)
}
