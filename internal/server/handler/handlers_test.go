package handler

import (
	"context"
	"encoding/json"
	"io"
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
	"github.com/alanyoungcy/tradehook/internal/service"
	"github.com/alanyoungcy/tradehook/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	seed := []struct {
		key    domain.PositionKey
		closed bool
	}{
		{domain.PositionKey{AccountID: "alpha", Symbol: "BTCUSDT", StrategyID: "s1"}, false},
		{domain.PositionKey{AccountID: "alpha", Symbol: "ETHUSDT", StrategyID: "s1"}, true},
		{domain.PositionKey{AccountID: "beta", Symbol: "BTCUSDT", StrategyID: "s1"}, false},
	}
	for i, s := range seed {
		require.NoError(t, st.ApplySignal(ctx, domain.ProcessedEvent{
			EventID:     "evt-" + string(rune('a'+i)),
			EventType:   domain.EventLongEntry,
			Symbol:      s.key.Symbol,
			StrategyID:  s.key.StrategyID,
			ProcessedAt: t0.Add(time.Duration(i) * time.Minute),
		}, func(ctx context.Context, tx domain.PositionTx) error {
			p := domain.NewPosition(s.key, domain.EntryParams{Side: domain.SideLong, Qty: 1, EntryPrice: 100}, t0)
			if s.closed {
				p.ApplyFullClose(domain.ReasonStop, "", t0)
			}
			return tx.InsertPosition(ctx, p)
		}))
	}
	return st
}

func get(t *testing.T, fn http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListPositionsFilters(t *testing.T) {
	h := NewPositionHandler(seedStore(t), discardLogger())

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?status=open", 2},
		{"?status=CLOSED", 1},
		{"?account=alpha", 2},
		{"?symbol=btcusdt", 2},
		{"?account=beta&status=OPEN", 1},
		{"?limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, h.ListPositions, "/api/positions"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)
			var body listPositionsResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Len(t, body.Positions, tt.want)
		})
	}

	rec := get(t, h.ListPositions, "/api/positions?status=PENDING")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPosition(t *testing.T) {
	h := NewPositionHandler(seedStore(t), discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{account}/{symbol}/{strategy}", h.GetPosition)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/alpha/btcusdt/s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pos domain.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, 1.0, pos.RemainingQty)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/alpha/DOGEUSDT/s1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEventsNewestFirst(t *testing.T) {
	h := NewPositionHandler(seedStore(t), discardLogger())
	rec := get(t, h.ListEvents, "/api/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []domain.ProcessedEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "evt-c", body.Events[0].EventID)
	assert.Equal(t, "evt-b", body.Events[1].EventID)
}

type stubMonitor struct{ st service.MonitorStatus }

func (s stubMonitor) Status() service.MonitorStatus { return s.st }

func TestStatusGroupsOpenPositionsByAccount(t *testing.T) {
	mon := stubMonitor{st: service.MonitorStatus{Running: true, Count: 1}}
	h := NewStatusHandler("full", seedStore(t), mon, discardLogger())

	rec := get(t, h.GetStatus, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"alpha", "beta"}, body.ActiveAccounts)
	assert.Len(t, body.OpenPositionsByAccount["alpha"], 1)
	assert.Len(t, body.OpenPositionsByAccount["beta"], 1)
	assert.Len(t, body.RecentEvents, 3)
	require.NotNil(t, body.Monitor)
	assert.True(t, body.Monitor.Running)
}

func TestMonitorEndpointWithoutMonitor(t *testing.T) {
	h := NewStatusHandler("api", memory.New(), nil, discardLogger())
	rec := get(t, h.GetMonitor, "/api/monitor")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false,"count":0,"positions":[]}`, rec.Body.String())
}

func newAccountFixture(t *testing.T) (*AccountHandler, *router.Router) {
	t.Helper()
	prices := memory.NewPriceCache()
	reg := exchange.NewRegistry()
	reg.Register("paper1", paper.New(prices))
	rt := router.New(router.Config{Accounts: []router.Account{
		{Name: "paper1", Exchange: "paper", Enabled: true},
		{Name: "ghost", Exchange: "binance", Enabled: true},
	}})
	return NewAccountHandler(rt, reg, discardLogger()), rt
}

func TestListAccountsIncludesPaperBalance(t *testing.T) {
	h, _ := newAccountFixture(t)
	rec := get(t, h.ListAccounts, "/api/accounts")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Accounts []accountView `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Accounts, 2)

	byName := map[string]accountView{}
	for _, a := range body.Accounts {
		byName[a.Name] = a
	}
	require.NotEmpty(t, byName["paper1"].Balances)
	assert.Equal(t, "USDT", byName["paper1"].Balances[0].Asset)
	assert.NotEmpty(t, byName["ghost"].Error, "accounts without an adapter report why")
}

func TestToggleAccount(t *testing.T) {
	h, rt := newAccountFixture(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/accounts/{name}/disable", h.DisableAccount)
	mux.HandleFunc("POST /api/accounts/{name}/enable", h.EnableAccount)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/paper1/disable", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ghost"}, rt.EnabledAccounts())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/paper1/enable", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ghost", "paper1"}, rt.EnabledAccounts())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/nobody/enable", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubSyncer struct {
	report service.ReconcileReport
	err    error
}

func (s stubSyncer) Run(context.Context) (service.ReconcileReport, error) { return s.report, s.err }

func TestSyncPositions(t *testing.T) {
	h := NewAdminHandler(stubSyncer{report: service.ReconcileReport{Checked: 3, Closed: 1}}, nil, nil, nil, discardLogger())
	rec := httptest.NewRecorder()
	h.SyncPositions(rec, httptest.NewRequest(http.MethodPost, "/api/sync_positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"checked":3,"closed":1}`, rec.Body.String())

	h = NewAdminHandler(stubSyncer{err: domain.ErrLockHeld}, nil, nil, nil, discardLogger())
	rec = httptest.NewRecorder()
	h.SyncPositions(rec, httptest.NewRequest(http.MethodPost, "/api/sync_positions", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetPrice(t *testing.T) {
	prices := memory.NewPriceCache()
	h := NewAdminHandler(stubSyncer{}, prices, nil, nil, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/prices/{symbol}", h.SetPrice)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/prices/btcusdt", strings.NewReader(`{"price":"101.5"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	p, _, err := prices.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, p)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/prices/BTCUSDT", strings.NewReader(`{"price":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPrices(t *testing.T) {
	prices := memory.NewPriceCache()
	ctx := context.Background()
	require.NoError(t, prices.SetPrice(ctx, "BTCUSDT", 100, time.Now()))
	require.NoError(t, prices.SetPrice(ctx, "ETHUSDT", 5, time.Now()))
	h := NewAdminHandler(stubSyncer{}, prices, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ListPrices(rec, httptest.NewRequest(http.MethodGet, "/api/prices?symbols=btcusdt,%20XRPUSDT,,ETHUSDT", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"prices":{"BTCUSDT":100,"ETHUSDT":5}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ListPrices(rec, httptest.NewRequest(http.MethodGet, "/api/prices", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewAdminHandler(stubSyncer{}, nil, nil, nil, discardLogger()).ListPrices(rec, httptest.NewRequest(http.MethodGet, "/api/prices?symbols=BTCUSDT", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type stubArchive struct {
	prefixes []string
}

func (s *stubArchive) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}

func (s *stubArchive) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	s.prefixes = append(s.prefixes, prefix)
	return []domain.BlobInfo{{Path: prefix + "2024-03-01.jsonl", Size: 10}}, nil
}

func TestAuditAndArchiveListings(t *testing.T) {
	audit := memory.NewAuditLog()
	require.NoError(t, audit.Log(context.Background(), "position_opened", map[string]any{"position": "a:BTCUSDT:s1"}))
	require.NoError(t, audit.Log(context.Background(), "position_closed", nil))
	arch := &stubArchive{}
	h := NewAdminHandler(stubSyncer{}, nil, audit, arch, discardLogger())

	rec := get(t, h.ListAudit, "/api/audit?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "position_closed", body.Entries[0].Event)

	rec = get(t, h.ListArchive, "/api/archive?kind=events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"archive/events/"}, arch.prefixes)
	assert.Contains(t, rec.Body.String(), "archive/events/2024-03-01.jsonl")

	assert.Equal(t, http.StatusBadRequest, get(t, h.ListArchive, "/api/archive?kind=trades").Code)

	none := NewAdminHandler(stubSyncer{}, nil, nil, nil, discardLogger())
	assert.Equal(t, http.StatusNotImplemented, get(t, none.ListArchive, "/api/archive").Code)
}

func TestListEventsTimeWindow(t *testing.T) {
	h := NewPositionHandler(seedStore(t), discardLogger())

	rec := get(t, h.ListEvents, "/api/events?since=2024-03-01T12:01:00Z&until=2024-03-01T12:02:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []domain.ProcessedEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "evt-b", body.Events[0].EventID)

	rec = get(t, h.ListEvents, "/api/events?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "since")
}
