package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

func testRouter() *Router {
	return New(Config{
		Accounts: []Account{
			{Name: "main", Exchange: "paper", Enabled: true, PositionSize: 0.01, Leverage: 5, MarginMode: "isolated"},
			{Name: "alt", Exchange: "paper", Enabled: true, SymbolsDeny: []string{"DOGEUSDT"}},
			{Name: "off", Exchange: "paper", Enabled: false},
			{Name: "btc_only", Exchange: "paper", Enabled: true, SymbolsAllow: []string{"BTCUSDT"}},
		},
		Rules: map[string]Rule{
			DefaultRule: {},
			"scalper":   {Accounts: []string{"btc_only", "main"}, DeniedSymbols: []string{"ETHUSDT"}},
		},
		Strategies: map[string]Strategy{
			"no_xrp": {DeniedSymbols: []string{"XRPUSDT"}, TPPercentages: map[string]float64{"TP1": 0.3}},
		},
	})
}

func ids(ts []Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.AccountID)
	}
	return out
}

func TestRoute(t *testing.T) {
	r := testRouter()
	tests := []struct {
		name     string
		strategy string
		symbol   string
		want     []string
	}{
		{"default rule takes every enabled account in name order", "any", "BTCUSDT", []string{"alt", "btc_only", "main"}},
		{"account deny list", "any", "DOGEUSDT", []string{"main"}},
		{"account allow list", "any", "ETHUSDT", []string{"alt", "main"}},
		{"strategy rule keeps rule order", "scalper", "BTCUSDT", []string{"btc_only", "main"}},
		{"rule deny list", "scalper", "ETHUSDT", nil},
		{"strategy deny list", "no_xrp", "XRPUSDT", nil},
		{"malformed symbol", "any", "btc", nil},
		{"digits fail the symbol shape", "any", "1000PEPEUSDT", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Route(tt.strategy, tt.symbol, nil)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestRouteExplicitListIsVerbatim(t *testing.T) {
	r := testRouter()
	got := r.Route("no_xrp", "XRPUSDT", []string{"off", "ghost", "off", "main"})
	require.Len(t, got, 3)
	assert.Equal(t, []string{"off", "ghost", "main"}, ids(got))
	assert.NoError(t, got[0].Err)
	assert.ErrorIs(t, got[1].Err, domain.ErrUnknownAccount)
}

func TestRouteWithoutAnyRuleUsesAllAccounts(t *testing.T) {
	r := New(Config{Accounts: []Account{{Name: "b", Enabled: true}, {Name: "a", Enabled: true}}})
	assert.Equal(t, []string{"a", "b"}, ids(r.Route("s", "BTCUSDT", nil)))
}

func TestResolve(t *testing.T) {
	r := testRouter()

	s := r.Resolve("main", domain.SignalOptions{})
	assert.Equal(t, Settings{Quantity: 0.01, Leverage: 5, MarginMode: "isolated"}, s)

	s = r.Resolve("alt", domain.SignalOptions{})
	assert.Equal(t, Settings{Quantity: 0.001, Leverage: 1, MarginMode: "cross"}, s)

	s = r.Resolve("main", domain.SignalOptions{Quantity: -2, Leverage: 10, MarginMode: "cross"})
	assert.Equal(t, Settings{Quantity: 2, Leverage: 10, MarginMode: "cross"}, s)
}

func TestTPFraction(t *testing.T) {
	r := testRouter()
	sig := &domain.Signal{StrategyID: "no_xrp"}
	assert.Equal(t, 0.3, r.TPFraction(sig, 1, 0.2))
	assert.Equal(t, 0.2, r.TPFraction(sig, 2, 0.2))

	sig.Options.TPPercentages = map[string]float64{"TP1": 0.5}
	assert.Equal(t, 0.5, r.TPFraction(sig, 1, 0.2))
}

func TestSetEnabled(t *testing.T) {
	r := testRouter()
	require.NoError(t, r.SetEnabled("off", true))
	assert.Contains(t, r.EnabledAccounts(), "off")

	require.NoError(t, r.SetEnabled("main", false))
	assert.NotContains(t, ids(r.Route("any", "BTCUSDT", nil)), "main")

	assert.ErrorIs(t, r.SetEnabled("ghost", true), domain.ErrUnknownAccount)
}
