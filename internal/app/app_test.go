package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/config"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "full"
	cfg.Webhook.Passphrase = "pass"
	cfg.Database.Backend = "memory"
	cfg.Redis.Enabled = false
	off := false
	cfg.Accounts = map[string]config.AccountConfig{
		"paper1": {Exchange: "paper", PositionSize: 2, SymbolsDeny: []string{"dogeusdt"}},
		"paper2": {Exchange: "PAPER", Enabled: &off},
	}
	cfg.Routing = map[string]config.RoutingRule{
		"default": {Accounts: []string{"paper1", "paper2"}},
	}
	cfg.Strategies = map[string]config.StrategyConfig{
		"s1": {TPPercentages: map[string]float64{"tp1": 0.5}},
	}
	return &cfg
}

func TestRouterConfigNormalises(t *testing.T) {
	rc := routerConfig(memoryConfig())

	require.Len(t, rc.Accounts, 2)
	assert.Equal(t, "paper1", rc.Accounts[0].Name)
	assert.True(t, rc.Accounts[0].Enabled)
	assert.Equal(t, []string{"DOGEUSDT"}, rc.Accounts[0].SymbolsDeny)
	assert.Equal(t, "paper", rc.Accounts[1].Exchange)
	assert.False(t, rc.Accounts[1].Enabled)

	assert.Equal(t, 0.5, rc.Strategies["s1"].TPPercentages["TP1"])
	assert.Equal(t, []string{"paper1", "paper2"}, rc.Rules["default"].Accounts)
	assert.Equal(t, 0.001, rc.Defaults.Quantity)
	assert.Equal(t, "cross", rc.Defaults.MarginMode)
}

func TestWireMemoryBackend(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), memoryConfig(), discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.PositionStore)
	assert.NotNil(t, deps.AuditStore)
	assert.NotNil(t, deps.PriceCache)
	assert.NotNil(t, deps.SignalBus)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Notifier)
	assert.Empty(t, deps.HealthChecks)
	assert.Equal(t, []string{"paper1"}, deps.Router.EnabledAccounts())

	_, err = deps.Exchanges.Adapter("paper2")
	assert.NoError(t, err)
}

func TestWorkerModeArchiveWithoutStorage(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mode = "worker"
	cfg.Archive.Enabled = true

	a := New(cfg, discard())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object storage")
}

func TestFullModeServesUntilCancelled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.Port = 18931
	cfg.Reconcile.Enabled = false

	a := New(cfg, discard())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18931/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not shut down")
	}
}
