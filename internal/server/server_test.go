package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/exchange"
	"github.com/alanyoungcy/tradehook/internal/exchange/paper"
	"github.com/alanyoungcy/tradehook/internal/router"
	"github.com/alanyoungcy/tradehook/internal/server/handler"
	"github.com/alanyoungcy/tradehook/internal/service"
	"github.com/alanyoungcy/tradehook/internal/store/memory"
)

type countingLimiter struct {
	limit int
	seen  map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.seen[key]++
	return l.seen[key] <= l.limit, nil
}

type fixture struct {
	handler http.Handler
	store   *memory.Store
	prices  *memory.PriceCache
}

func newFixture(t *testing.T, limiter domain.RateLimiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := memory.New()
	prices := memory.NewPriceCache()
	require.NoError(t, prices.SetPrice(context.Background(), "BTCUSDT", 100, time.Now()))

	reg := exchange.NewRegistry()
	reg.Register("paper1", paper.New(prices))
	rt := router.New(router.Config{
		Accounts: []router.Account{{Name: "paper1", Exchange: "paper", Enabled: true, PositionSize: 1}},
	})

	audit := memory.NewAuditLog()
	pub := service.NewPublisher(memory.NewBus(0), audit, nil, logger)
	mon := service.NewMonitor(st, reg, pub, service.MonitorConfig{}, logger)
	eng := service.NewEngine(st, rt, reg, service.NewRecentEvents(time.Minute), mon, pub, service.EngineConfig{DefaultTPFraction: 0.25}, logger)
	rec := service.NewReconciler(st, reg, nil, 0, mon, pub, logger)

	handlers := Handlers{
		Webhook:   handler.NewWebhookHandler("pass", st, eng, logger),
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("full", st, mon, logger),
		Positions: handler.NewPositionHandler(st, logger),
		Accounts:  handler.NewAccountHandler(rt, reg, logger),
		Admin:     handler.NewAdminHandler(rec, prices, audit, nil, logger),
	}
	cfg := Config{APIKey: "key", RateLimit: 2, RateWindow: time.Minute}
	return &fixture{
		handler: NewHandler(cfg, handlers, limiter, nil, logger),
		store:   st,
		prices:  prices,
	}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func webhookBody(id, typ string) string {
	return `{"passphrase":"pass","event_id":"` + id + `","event_type":"` + typ + `","symbol":"BTCUSDT","strategy_id":"s1"}`
}

func TestOperatorEndpointsRequireAPIKey(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/status", "/api/positions", "/api/events", "/api/monitor"} {
		rec := f.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = f.do(http.MethodGet, path, "", map[string]string{"Authorization": "Bearer key"})
		assert.Equal(t, http.StatusOK, rec.Code, path)

		rec = f.do(http.MethodGet, path, "", map[string]string{"X-API-Key": "key"})
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestWebhookLifecycleThroughRoutes(t *testing.T) {
	f := newFixture(t, nil)
	auth := map[string]string{"X-API-Key": "key"}

	rec := f.do(http.MethodPost, "/webhook", webhookBody("e1", "LONG_ENTRY"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res domain.SignalResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "processed", res.Status)
	assert.Equal(t, domain.OutcomeSuccess, res.Results["paper1"].Status)

	rec = f.do(http.MethodPost, "/webhook", webhookBody("e1", "LONG_ENTRY"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.prices.SetPrice(context.Background(), "BTCUSDT", 110, time.Now()))
	rec = f.do(http.MethodPost, "/webhook", webhookBody("e2", "TP1_HIT"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/positions/paper1/BTCUSDT/s1", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var pos domain.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, 1, pos.TPLevel)
	assert.InDelta(t, 0.75, pos.RemainingQty, 1e-9)
	assert.InDelta(t, 0.25, pos.Closed.TP1, 1e-9)

	rec = f.do(http.MethodPost, "/webhook", webhookBody("e3", "STOP"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.Get(context.Background(), pos.Key())
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.InDelta(t, 0.75, got.Closed.SL, 1e-9)
	require.NoError(t, got.CheckConservation(1e-9))
}

func TestSyncPositionsClosesFlatPaperPosition(t *testing.T) {
	f := newFixture(t, nil)
	auth := map[string]string{"X-API-Key": "key"}

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook", webhookBody("e1", "SHORT_ENTRY"), nil).Code)

	// A second position the exchange never saw.
	key := domain.PositionKey{AccountID: "paper1", Symbol: "ETHUSDT", StrategyID: "s1"}
	require.NoError(t, f.store.Update(context.Background(), func(ctx context.Context, tx domain.PositionTx) error {
		return tx.InsertPosition(ctx, domain.NewPosition(key, domain.EntryParams{Side: domain.SideLong, Qty: 2}, time.Now()))
	}))

	rec := f.do(http.MethodPost, "/api/sync_positions", "", auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"checked":2,"closed":1}`, rec.Body.String())

	got, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, 2.0, got.Closed.Other)
}

func TestWebhookRateLimitedPerClient(t *testing.T) {
	lim := &countingLimiter{limit: 2, seen: map[string]int{}}
	f := newFixture(t, lim)

	for i, want := range []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests} {
		rec := f.do(http.MethodPost, "/webhook", `{"passphrase":"x"}`, map[string]string{"X-Forwarded-For": "10.0.0.1"})
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
	assert.Equal(t, 3, lim.seen["webhook:10.0.0.1"])

	rec := f.do(http.MethodPost, "/webhook", `{"passphrase":"x"}`, map[string]string{"X-Forwarded-For": "10.0.0.2"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
