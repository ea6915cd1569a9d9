package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
)

// MonitorConfig holds the polling parameters.
type MonitorConfig struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
}

// MonitorStatus is a point-in-time view of the monitor.
type MonitorStatus struct {
	Running   bool                 `json:"running"`
	Count     int                  `json:"count"`
	Positions []domain.PositionKey `json:"positions"`
	LastTick  *time.Time           `json:"last_tick,omitempty"`
}

// Monitor executes take-profit levels registered at entry when the price
// crosses them. The registry only says which keys to look at; pending levels
// are always read from, and written back to, the stored position.
type Monitor struct {
	store     domain.PositionStore
	exchanges domain.ExchangeRegistry
	publisher *Publisher
	cfg       MonitorConfig
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	watched map[domain.PositionKey]struct{}
	running atomic.Bool
	last    atomic.Int64
}

// NewMonitor creates a Monitor with an empty registry.
func NewMonitor(store domain.PositionStore, exchanges domain.ExchangeRegistry, publisher *Publisher, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Monitor{
		store:     store,
		exchanges: exchanges,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
		watched:   make(map[domain.PositionKey]struct{}),
	}
}

// Track registers pos when it is open and still has pending levels.
func (m *Monitor) Track(pos domain.Position) {
	if !pos.IsOpen() || len(pos.TPLevels) == 0 {
		m.Untrack(pos.Key())
		return
	}
	m.mu.Lock()
	m.watched[pos.Key()] = struct{}{}
	n := len(m.watched)
	m.mu.Unlock()
	metrics.MonitoredPositions.Set(float64(n))
}

// Untrack removes key from the registry.
func (m *Monitor) Untrack(key domain.PositionKey) {
	m.mu.Lock()
	delete(m.watched, key)
	n := len(m.watched)
	m.mu.Unlock()
	metrics.MonitoredPositions.Set(float64(n))
}

// Load rebuilds the registry from stored open positions.
func (m *Monitor) Load(ctx context.Context) error {
	open, err := m.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load open positions: %w", err)
	}
	for _, p := range open {
		m.Track(p)
	}
	m.logger.InfoContext(ctx, "registry loaded", slog.Int("count", len(m.keys())))
	return nil
}

func (m *Monitor) keys() []domain.PositionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.PositionKey, 0, len(m.watched))
	for k := range m.watched {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b domain.PositionKey) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return keys
}

// Status reports the registry contents.
func (m *Monitor) Status() MonitorStatus {
	keys := m.keys()
	st := MonitorStatus{Running: m.running.Load(), Count: len(keys), Positions: keys}
	if ns := m.last.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		st.LastTick = &t
	}
	return st
}

// Run polls until ctx is cancelled. It never overlaps itself.
func (m *Monitor) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)

	m.logger.InfoContext(ctx, "monitor started", slog.Duration("interval", m.cfg.Interval))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}

		if err := m.Tick(ctx); err != nil {
			m.logger.ErrorContext(ctx, "monitor iteration failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.cfg.ErrorBackoff):
			}
		}
	}
}

// Tick checks every registered position once. Failures for one position are
// logged and skipped; only a failure of the iteration itself is returned.
func (m *Monitor) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: panic: %v\n%s", r, debug.Stack())
		}
	}()
	m.last.Store(m.now().UnixNano())

	for _, key := range m.keys() {
		if ctx.Err() != nil {
			return nil
		}
		if cerr := m.check(ctx, key); cerr != nil {
			m.logger.WarnContext(ctx, "monitor check failed",
				slog.String("position", key.String()),
				slog.String("error", cerr.Error()),
			)
		}
	}
	return nil
}

func (m *Monitor) check(ctx context.Context, key domain.PositionKey) error {
	pos, err := m.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		m.Untrack(key)
		return nil
	}
	if err != nil {
		return err
	}
	if !pos.IsOpen() || len(pos.TPLevels) == 0 {
		m.Untrack(key)
		return nil
	}

	adapter, err := m.exchanges.Adapter(key.AccountID)
	if err != nil {
		return err
	}
	price, err := adapter.LastPrice(ctx, key.Symbol)
	if err != nil {
		return fmt.Errorf("last price: %w", err)
	}

	var errs []error
	for _, name := range pendingLevels(&pos, price) {
		if terr := m.trigger(ctx, adapter, key, name, price); terr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, terr))
		}
	}
	return errors.Join(errs...)
}

// pendingLevels lists the level names price has crossed, nearest first.
func pendingLevels(pos *domain.Position, price float64) []string {
	var names []string
	for name, lvl := range pos.TPLevels {
		if crossed(pos.Side, price, lvl.Price) {
			names = append(names, name)
		}
	}
	slices.SortFunc(names, func(a, b string) int {
		pa, pb := pos.TPLevels[a].Price, pos.TPLevels[b].Price
		if pos.Side == domain.SideShort {
			pa, pb = pb, pa
		}
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	})
	return names
}

func crossed(side domain.Side, price, level float64) bool {
	if side == domain.SideShort {
		return price <= level
	}
	return price >= level
}

var errExitNotPlaced = errors.New("exit order not placed")

// trigger executes one level in its own transaction. The level is removed
// only when the exit went through or the exchange reports nothing to reduce.
func (m *Monitor) trigger(ctx context.Context, adapter domain.ExecutionAdapter, key domain.PositionKey, name string, price float64) error {
	var (
		out  domain.Outcome
		snap domain.Position
		done bool
	)
	err := m.store.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
		done = false
		pos, err := tx.LockPosition(ctx, key)
		if err != nil {
			return err
		}
		lvl, ok := pos.TPLevels[name]
		if !ok || !pos.IsOpen() || !crossed(pos.Side, price, lvl.Price) {
			return nil
		}

		qty := pos.PartialCloseQty(lvl.Percent)
		delete(pos.TPLevels, name)
		if qty <= 0 {
			pos.UpdatedAt = m.now().UTC()
			return tx.SavePosition(ctx, pos)
		}

		req := exitRequest{Tier: domain.ParseTPLevelName(name), Qty: qty, Action: "tp_monitor_exit"}
		out, err = executeExit(ctx, tx, adapter, pos, req, m.now().UTC())
		if err != nil {
			return err
		}
		switch out.Status {
		case domain.OutcomeError:
			return fmt.Errorf("%w: %s", errExitNotPlaced, out.Message)
		case domain.OutcomeWarning:
			pos.UpdatedAt = m.now().UTC()
			if err := tx.SavePosition(ctx, pos); err != nil {
				return err
			}
		}
		snap = *pos
		done = true
		return nil
	})
	if err != nil {
		metrics.MonitorTriggers.WithLabelValues("error").Inc()
		return err
	}
	if !done {
		return nil
	}

	if out.Status == domain.OutcomeSuccess {
		metrics.MonitorTriggers.WithLabelValues("executed").Inc()
		reason := string(domain.TPReason(domain.ParseTPLevelName(name)))
		m.publisher.Publish(ctx, exitEvent("monitor", &snap, out, reason))
	} else {
		metrics.MonitorTriggers.WithLabelValues("skipped").Inc()
		m.logger.WarnContext(ctx, "level dropped without fill",
			slog.String("position", key.String()),
			slog.String("level", name),
			slog.String("message", out.Message),
		)
	}
	m.Track(snap)
	return nil
}
