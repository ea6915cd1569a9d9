package exchange

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/config"
	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/exchange/binance"
	"github.com/alanyoungcy/tradehook/internal/exchange/paper"
	"github.com/alanyoungcy/tradehook/internal/store/memory"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Accounts = map[string]config.AccountConfig{
		"live": {Exchange: Binance, APIKey: "k", APISecret: "s"},
		"sim":  {Exchange: Paper},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := FromConfig(&cfg, memory.NewPriceCache(), logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"live", "sim"}, r.Accounts())

	a, err := r.Adapter("live")
	require.NoError(t, err)
	assert.IsType(t, &binance.Adapter{}, a)

	a, err = r.Adapter("sim")
	require.NoError(t, err)
	assert.IsType(t, &paper.Adapter{}, a)

	_, err = r.Adapter("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
}

func TestFromConfig_Unsupported(t *testing.T) {
	cfg := config.Defaults()
	cfg.Accounts = map[string]config.AccountConfig{"b": {Exchange: "bybit"}}

	_, err := FromConfig(&cfg, memory.NewPriceCache(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}
