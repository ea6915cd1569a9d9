package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

var key = domain.PositionKey{AccountID: "main", Symbol: "BTCUSDT", StrategyID: "s1"}

func newPos(now time.Time) *domain.Position {
	return domain.NewPosition(key, domain.EntryParams{Side: domain.SideLong, Qty: 1, EntryPrice: 100}, now)
}

func event(id string) domain.ProcessedEvent {
	return domain.ProcessedEvent{EventID: id, EventType: domain.EventLongEntry, Symbol: key.Symbol, StrategyID: key.StrategyID, ProcessedAt: time.Now()}
}

func TestApplySignalCommitsAndDedupes(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.ApplySignal(ctx, event("e1"), func(ctx context.Context, tx domain.PositionTx) error {
		return tx.InsertPosition(ctx, newPos(time.Now()))
	})
	require.NoError(t, err)

	p, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)

	ok, err := s.IsProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.ApplySignal(ctx, event("e1"), func(context.Context, domain.PositionTx) error {
		t.Fatal("must not run for a duplicate")
		return nil
	})
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)
}

func TestApplySignalRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.ApplySignal(ctx, event("e1"), func(ctx context.Context, tx domain.PositionTx) error {
		require.NoError(t, tx.InsertPosition(ctx, newPos(time.Now())))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound)
	processed, _ := s.IsProcessed(ctx, "e1")
	assert.False(t, processed, "marker rolls back with the effects")
}

func TestScopeDiscardsOnlyFailedWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	other := domain.PositionKey{AccountID: "alt", Symbol: "BTCUSDT", StrategyID: "s1"}

	err := s.ApplySignal(ctx, event("e1"), func(ctx context.Context, tx domain.PositionTx) error {
		require.NoError(t, tx.Scope(ctx, func(tx domain.PositionTx) error {
			return tx.InsertPosition(ctx, newPos(time.Now()))
		}))
		scopeErr := tx.Scope(ctx, func(tx domain.PositionTx) error {
			p := domain.NewPosition(other, domain.EntryParams{Side: domain.SideShort, Qty: 2}, time.Now())
			require.NoError(t, tx.InsertPosition(ctx, p))
			return errors.New("late failure")
		})
		require.Error(t, scopeErr)
		return nil
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, key)
	require.NoError(t, err)
	_, err = s.Get(ctx, other)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockPositionReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
		p := newPos(time.Now())
		p.TPLevels = map[string]domain.TPLevel{"TP1": {Price: 110, Percent: 0.5}}
		return tx.InsertPosition(ctx, p)
	}))

	err := s.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
		p, err := tx.LockPosition(ctx, key)
		require.NoError(t, err)
		delete(p.TPLevels, "TP1")
		return errors.New("abandon")
	})
	require.Error(t, err)

	stored, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, stored.TPLevels, "TP1")
}

func TestFailNextSave(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.FailNextSave(key, errors.New("disk full"))

	err := s.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
		return tx.InsertPosition(ctx, newPos(time.Now()))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	err = s.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
		return tx.InsertPosition(ctx, newPos(time.Now()))
	})
	require.NoError(t, err, "failure is one-shot")
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, acct := range []string{"a", "b", "c"} {
		k := domain.PositionKey{AccountID: acct, Symbol: "ETHUSDT", StrategyID: "s1"}
		p := domain.NewPosition(k, domain.EntryParams{Side: domain.SideLong, Qty: 1}, base.Add(time.Duration(i)*time.Minute))
		if acct == "b" {
			p.ApplyFullClose(domain.ReasonStop, "", base.Add(10*time.Minute))
		}
		require.NoError(t, s.Update(ctx, func(ctx context.Context, tx domain.PositionTx) error {
			return tx.InsertPosition(ctx, p)
		}))
	}

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].AccountID)
	assert.Equal(t, "c", open[1].AccountID)

	all, err := s.List(ctx, domain.PositionFilter{ListOpts: domain.ListOpts{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].AccountID, "most recently updated first")

	until := base.Add(5 * time.Minute)
	closed, err := s.List(ctx, domain.PositionFilter{Status: domain.PositionStatusClosed, ListOpts: domain.ListOpts{Until: &until}})
	require.NoError(t, err)
	assert.Empty(t, closed)
}
