package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
	"github.com/alanyoungcy/tradehook/internal/router"
)

// AccountRouter selects and configures the accounts a signal reaches.
// *router.Router satisfies it.
type AccountRouter interface {
	Route(strategyID, symbol string, explicit []string) []router.Target
	Resolve(accountID string, opts domain.SignalOptions) router.Settings
	TPFraction(sig *domain.Signal, tier int, def float64) float64
}

// Tracker is told which positions carry take-profit levels that need price
// watching. *Monitor satisfies it.
type Tracker interface {
	Track(pos domain.Position)
	Untrack(key domain.PositionKey)
}

// EngineConfig holds lifecycle defaults.
type EngineConfig struct {
	DefaultTPFraction float64
}

// Engine applies signals to positions across the routed accounts.
type Engine struct {
	store     domain.PositionStore
	router    AccountRouter
	exchanges domain.ExchangeRegistry
	recent    *RecentEvents
	tracker   Tracker
	publisher *Publisher
	cfg       EngineConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. recent, tracker and publisher may be nil.
func NewEngine(
	store domain.PositionStore,
	rt AccountRouter,
	exchanges domain.ExchangeRegistry,
	recent *RecentEvents,
	tracker Tracker,
	publisher *Publisher,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if cfg.DefaultTPFraction <= 0 {
		cfg.DefaultTPFraction = 0.2
	}
	return &Engine{
		store:     store,
		router:    rt,
		exchanges: exchanges,
		recent:    recent,
		tracker:   tracker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
	}
}

// change is a committed effect to broadcast after the signal transaction.
type change struct {
	pos   domain.Position
	event domain.PositionEvent
}

// ProcessSignal applies sig to every routed account inside one transaction
// that also records the event id. It returns domain.ErrDuplicateEvent when
// the id was seen before, and domain.ErrAllAccountsFailed together with the
// per-account results when every account hard-failed; nothing is committed
// in either case. Invalid signals fail with domain.ErrInvalidSignal before
// any account is touched.
func (e *Engine) ProcessSignal(ctx context.Context, sig domain.Signal) (domain.SignalResult, error) {
	result := domain.SignalResult{EventID: sig.EventID}
	if err := sig.Validate(); err != nil {
		return result, err
	}
	if e.recent.Seen(sig.EventID) {
		return result, domain.ErrDuplicateEvent
	}

	now := e.now().UTC()
	targets := e.router.Route(sig.StrategyID, sig.Symbol, sig.Options.AccountProfile)
	ev := domain.ProcessedEvent{
		EventID:     sig.EventID,
		EventType:   sig.Type,
		Symbol:      sig.Symbol,
		StrategyID:  sig.StrategyID,
		ProcessedAt: now,
	}

	var changes []change
	err := e.store.ApplySignal(ctx, ev, func(ctx context.Context, tx domain.PositionTx) error {
		result.Results = make(map[string]domain.Outcome, len(targets))
		changes = changes[:0]

		for _, t := range targets {
			if t.Err != nil {
				result.Results[t.AccountID] = domain.Failure(sig.Type.Action(), t.Err)
				continue
			}

			var (
				out domain.Outcome
				ch  *change
			)
			scopeErr := tx.Scope(ctx, func(stx domain.PositionTx) error {
				var err error
				out, ch, err = e.applyAccount(ctx, stx, &sig, t.AccountID, now)
				return err
			})
			if scopeErr != nil {
				if out.Status != domain.OutcomeError {
					out = domain.Failure(sig.Type.Action(), scopeErr)
				}
				ch = nil
				e.logger.ErrorContext(ctx, "account rolled back",
					slog.String("event_id", sig.EventID),
					slog.String("account", t.AccountID),
					slog.String("error", scopeErr.Error()),
				)
			}
			result.Results[t.AccountID] = out
			if ch != nil {
				changes = append(changes, *ch)
			}
		}

		if result.AllFailed() {
			return domain.ErrAllAccountsFailed
		}
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrDuplicateEvent):
		e.recent.Mark(sig.EventID)
		metrics.Signals.WithLabelValues(string(sig.Type), "duplicate").Inc()
		return domain.SignalResult{EventID: sig.EventID}, err
	case errors.Is(err, domain.ErrAllAccountsFailed):
		result.Status = "failed"
		e.countOutcomes(sig.Type, result)
		return result, err
	case err != nil:
		metrics.Signals.WithLabelValues(string(sig.Type), "error").Inc()
		return domain.SignalResult{EventID: sig.EventID, Status: "failed"}, fmt.Errorf("engine: apply %s: %w", sig.EventID, err)
	}

	result.Status = "processed"
	e.recent.Mark(sig.EventID)
	e.countOutcomes(sig.Type, result)

	for i := range changes {
		ch := &changes[i]
		ch.event.EventID = sig.EventID
		e.track(&ch.pos)
		e.publisher.Publish(ctx, ch.event)
	}

	e.logger.InfoContext(ctx, "signal processed",
		slog.String("event_id", sig.EventID),
		slog.String("event_type", string(sig.Type)),
		slog.String("symbol", sig.Symbol),
		slog.String("strategy_id", sig.StrategyID),
		slog.Int("accounts", len(result.Results)),
	)
	return result, nil
}

func (e *Engine) countOutcomes(t domain.EventType, r domain.SignalResult) {
	metrics.Signals.WithLabelValues(string(t), r.Status).Inc()
	for _, o := range r.Results {
		metrics.AccountOutcomes.WithLabelValues(string(o.Status), o.Action).Inc()
	}
}

func (e *Engine) track(pos *domain.Position) {
	if e.tracker == nil {
		return
	}
	if pos.IsOpen() && len(pos.TPLevels) > 0 {
		e.tracker.Track(*pos)
		return
	}
	e.tracker.Untrack(pos.Key())
}

// applyAccount runs the transition for one account. A panic is converted into
// an error outcome so sibling accounts still run.
func (e *Engine) applyAccount(ctx context.Context, tx domain.PositionTx, sig *domain.Signal, accountID string, now time.Time) (out domain.Outcome, ch *change, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "panic applying signal",
				slog.String("account", accountID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("engine: panic for account %s: %v", accountID, r)
			out = domain.Failure(sig.Type.Action(), err)
			ch = nil
		}
	}()

	adapter, err := e.exchanges.Adapter(accountID)
	if err != nil {
		return domain.Failure(sig.Type.Action(), err), nil, nil
	}

	key := domain.PositionKey{AccountID: accountID, Symbol: sig.Symbol, StrategyID: sig.StrategyID}
	pos, err := tx.LockPosition(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Failure(sig.Type.Action(), err), nil, err
	}

	switch sig.Type.Kind() {
	case domain.KindEntry:
		return e.enter(ctx, tx, adapter, sig, key, pos, now)
	case domain.KindPartialExit, domain.KindFullExit:
		return e.exit(ctx, tx, adapter, sig, pos, now)
	}
	return domain.Failure(sig.Type.Action(), fmt.Errorf("%w: unknown event_type %q", domain.ErrInvalidSignal, sig.Type)), nil, nil
}

func (e *Engine) enter(
	ctx context.Context,
	tx domain.PositionTx,
	adapter domain.ExecutionAdapter,
	sig *domain.Signal,
	key domain.PositionKey,
	pos *domain.Position,
	now time.Time,
) (domain.Outcome, *change, error) {
	const action = "entry"
	if pos != nil && pos.IsOpen() {
		return domain.Warning(action, "position already open, pyramiding blocked"), nil, nil
	}

	settings := e.router.Resolve(key.AccountID, sig.Options)
	side := sig.Type.EntrySide()

	if err := adapter.Configure(ctx, key.Symbol, settings.Leverage, settings.MarginMode); err != nil {
		e.logger.WarnContext(ctx, "configure leverage failed",
			slog.String("position", key.String()),
			slog.Int("leverage", settings.Leverage),
			slog.String("margin_mode", settings.MarginMode),
			slog.String("error", err.Error()),
		)
	}

	res, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   key.Symbol,
		Side:     side.EntryOrderSide(),
		Quantity: settings.Quantity,
		Type:     domain.OrderTypeMarket,
	})
	if err != nil {
		metrics.Orders.WithLabelValues(key.AccountID, string(side.EntryOrderSide()), "error").Inc()
		return domain.Failure(action, err), nil, nil
	}
	metrics.Orders.WithLabelValues(key.AccountID, string(side.EntryOrderSide()), "ok").Inc()

	price := res.FillPrice
	if price <= 0 {
		last, perr := adapter.LastPrice(ctx, key.Symbol)
		if perr != nil || last <= 0 {
			e.logger.ErrorContext(ctx, "entry filled without a price",
				slog.String("position", key.String()),
				slog.String("order_id", res.OrderID),
			)
			return domain.Failure(action, fmt.Errorf("%w: could not determine entry price", domain.ErrPriceUnavailable)), nil, nil
		}
		price = last
	}

	qty := settings.Quantity
	if res.FilledQty > 0 {
		qty = res.FilledQty
	}

	params := domain.EntryParams{
		Side:          side,
		Qty:           qty,
		EntryPrice:    price,
		Leverage:      settings.Leverage,
		MarginMode:    settings.MarginMode,
		EntryStrategy: orDefault(sig.Options.EntryStrategy, domain.DefaultEntryStrategy),
		SLType:        orDefault(sig.Options.SLType, domain.DefaultSLType),
		SLPrice:       sig.Options.SLPrice,
		TPLevels:      sig.Options.TPLevels,
		OrderID:       res.OrderID,
	}

	if pos == nil {
		pos = domain.NewPosition(key, params, now)
		err = tx.InsertPosition(ctx, pos)
	} else {
		if err = pos.Reopen(params, now); err == nil {
			err = tx.SavePosition(ctx, pos)
		}
	}
	if err != nil {
		err = fmt.Errorf("order %s placed but not recorded: %w", res.OrderID, err)
		return domain.Failure(action, err), nil, err
	}

	out := domain.Success(action, res.OrderID, qty, price)
	return out, &change{
		pos:   *pos,
		event: positionEvent(domain.PositionOpened, "webhook", pos, qty, price, "", res.OrderID),
	}, nil
}

func (e *Engine) exit(
	ctx context.Context,
	tx domain.PositionTx,
	adapter domain.ExecutionAdapter,
	sig *domain.Signal,
	pos *domain.Position,
	now time.Time,
) (domain.Outcome, *change, error) {
	action := sig.Type.Action()
	if pos == nil || !pos.IsOpen() {
		return domain.Warning(action, "no open position found"), nil, nil
	}
	if pos.RemainingQty <= domain.QtyEpsilon {
		return domain.Warning(action, "no remaining quantity to close"), nil, nil
	}

	req := exitRequest{
		Tier:   sig.Type.Tier(),
		Reason: sig.Type.Reason(),
		Action: action,
		Full:   sig.Type.Kind() == domain.KindFullExit,
	}
	if !req.Full {
		req.Qty = pos.PartialCloseQty(e.router.TPFraction(sig, req.Tier, e.cfg.DefaultTPFraction))
		if req.Qty <= 0 {
			return domain.Warning(action, "nothing to close"), nil, nil
		}
	}

	out, err := executeExit(ctx, tx, adapter, pos, req, now)
	if err != nil || out.Status != domain.OutcomeSuccess {
		return out, nil, err
	}
	return out, &change{
		pos:   *pos,
		event: exitEvent("webhook", pos, out, string(req.Reason)),
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
