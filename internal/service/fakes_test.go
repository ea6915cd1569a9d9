package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/router"
	"github.com/alanyoungcy/tradehook/internal/store/memory"
	"github.com/stretchr/testify/require"
)

var errExchangeDown = errors.New("exchange unavailable")

// fakeAdapter is a scriptable domain.ExecutionAdapter.
type fakeAdapter struct {
	mu        sync.Mutex
	price     float64
	fillPrice float64 // 0 means the order response carries no price
	placeErr  error
	priceErr  error
	reduceCap float64 // caps reduce-only fills when positive, like lot rounding
	snapshot  *domain.ExchangePosition
	orders    []domain.OrderRequest
	seq       int
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return domain.OrderResult{}, f.placeErr
	}
	f.orders = append(f.orders, req)
	f.seq++
	filled := req.Quantity
	if req.ReduceOnly && f.reduceCap > 0 {
		filled = min(filled, f.reduceCap)
	}
	return domain.OrderResult{OrderID: fmt.Sprintf("ord-%d", f.seq), FillPrice: f.fillPrice, FilledQty: filled}, nil
}

func (f *fakeAdapter) LastPrice(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeAdapter) PositionSnapshot(_ context.Context, _ string) (*domain.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeAdapter) Configure(context.Context, string, int, string) error { return nil }

func (f *fakeAdapter) setPrice(p float64) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *fakeAdapter) placed() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.orders...)
}

type fakeRegistry map[string]*fakeAdapter

func (r fakeRegistry) Adapter(accountID string) (domain.ExecutionAdapter, error) {
	a, ok := r[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountID)
	}
	return a, nil
}

// fakeBus records published payloads.
type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type harness struct {
	store    *memory.Store
	adapters fakeRegistry
	bus      *fakeBus
	monitor  *Monitor
	engine   *Engine
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, accounts ...string) *harness {
	t.Helper()
	if len(accounts) == 0 {
		accounts = []string{"main"}
	}

	h := &harness{
		store:    memory.New(),
		adapters: fakeRegistry{},
		bus:      &fakeBus{},
	}
	var cfg router.Config
	for _, name := range accounts {
		h.adapters[name] = &fakeAdapter{price: 100, fillPrice: 100}
		cfg.Accounts = append(cfg.Accounts, router.Account{Name: name, Exchange: "paper", Enabled: true, PositionSize: 1})
	}

	logger := discardLogger()
	pub := NewPublisher(h.bus, memory.NewAuditLog(), nil, logger)
	h.monitor = NewMonitor(h.store, h.adapters, pub, MonitorConfig{Interval: time.Millisecond}, logger)
	h.engine = NewEngine(h.store, router.New(cfg), h.adapters, NewRecentEvents(time.Minute), h.monitor, pub, EngineConfig{DefaultTPFraction: 0.2}, logger)
	return h
}

func signal(id string, typ domain.EventType) domain.Signal {
	return domain.Signal{EventID: id, Type: typ, Symbol: "BTCUSDT", StrategyID: "s1"}
}

func (h *harness) position(t *testing.T, account string) domain.Position {
	t.Helper()
	p, err := h.store.Get(context.Background(), domain.PositionKey{AccountID: account, Symbol: "BTCUSDT", StrategyID: "s1"})
	require.NoError(t, err)
	return p
}
