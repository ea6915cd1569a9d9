package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
)

// ReconcileLockKey guards a pass across replicas.
const ReconcileLockKey = "reconcile"

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Closed  int      `json:"closed"`
	Errors  []string `json:"errors,omitempty"`
}

// Reconciler closes stored OPEN positions that the exchange reports as flat.
// It repairs exits that were executed but never recorded.
type Reconciler struct {
	store     domain.PositionStore
	exchanges domain.ExchangeRegistry
	locks     domain.LockManager
	lockTTL   time.Duration
	tracker   Tracker
	publisher *Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. locks, tracker and publisher may be nil;
// without locks every caller runs its own pass.
func NewReconciler(
	store domain.PositionStore,
	exchanges domain.ExchangeRegistry,
	locks domain.LockManager,
	lockTTL time.Duration,
	tracker Tracker,
	publisher *Publisher,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:     store,
		exchanges: exchanges,
		locks:     locks,
		lockTTL:   lockTTL,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "reconciler")),
		now:       time.Now,
	}
}

// Run executes one pass. It returns domain.ErrLockHeld when another replica
// is already reconciling.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, ReconcileLockKey, r.lockTTL)
		if err != nil {
			return report, fmt.Errorf("reconciler: acquire lock: %w", err)
		}
		defer unlock()
	}

	open, err := r.store.ListOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: list open: %w", err)
	}

	for i := range open {
		if ctx.Err() != nil {
			break
		}
		key := open[i].Key()
		report.Checked++
		closed, err := r.reconcile(ctx, key)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", key, err))
			r.logger.WarnContext(ctx, "reconcile position failed",
				slog.String("position", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if closed {
			report.Closed++
		}
	}

	r.logger.InfoContext(ctx, "reconcile pass complete",
		slog.Int("checked", report.Checked),
		slog.Int("closed", report.Closed),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, key domain.PositionKey) (bool, error) {
	adapter, err := r.exchanges.Adapter(key.AccountID)
	if err != nil {
		return false, err
	}
	snap, err := adapter.PositionSnapshot(ctx, key.Symbol)
	if err != nil {
		return false, fmt.Errorf("position snapshot: %w", err)
	}
	if snap != nil && math.Abs(snap.Quantity) >= domain.FlatThreshold {
		return false, nil
	}

	var (
		closedQty float64
		pos       domain.Position
		done      bool
	)
	err = r.store.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
		done = false
		p, err := tx.LockPosition(ctx, key)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return nil
		}
		closedQty = p.ApplyFullClose(domain.ReasonOther, "", r.now().UTC())
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		pos = *p
		done = true
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil || !done {
		return false, err
	}

	metrics.ReconcileClosed.Inc()
	if r.tracker != nil {
		r.tracker.Untrack(key)
	}
	r.publisher.Publish(ctx, positionEvent(domain.PositionReconciled, "reconcile", &pos, closedQty, 0, string(domain.ReasonOther), ""))
	return true, nil
}
