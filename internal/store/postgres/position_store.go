package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/retry"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Every
// statement runs inside its own savepoint so a contention failure can be
// rolled back and retried without aborting the enclosing transaction.
type PositionStore struct {
	pool  *pgxpool.Pool
	retry *retry.Retrier
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool, r *retry.Retrier) *PositionStore {
	return &PositionStore{pool: pool, retry: r}
}

const positionSelectCols = `id, account_id, symbol, strategy_id, side,
	initial_qty, remaining_qty, entry_price, status, leverage, margin_mode,
	entry_strategy, sl_type, sl_price, tp_levels, tp_level,
	closed_qty_tp1, closed_qty_tp2, closed_qty_tp3, closed_qty_tp4, closed_qty_tp5,
	sl_closed_qty, timeguard_closed_qty, maxbars_closed_qty, swingtp_closed_qty,
	dyn_tp_closed_qty, other_closed_qty, reopen_baseline, order_ids,
	created_at, updated_at`

// scanPosition reads one row selected with positionSelectCols. It accepts
// both pgx.Row and pgx.Rows.
func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var tpLevels, orderIDs []byte

	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.StrategyID, &side,
		&p.InitialQty, &p.RemainingQty, &p.EntryPrice, &status, &p.Leverage, &p.MarginMode,
		&p.EntryStrategy, &p.SLType, &p.SLPrice, &tpLevels, &p.TPLevel,
		&p.Closed.TP1, &p.Closed.TP2, &p.Closed.TP3, &p.Closed.TP4, &p.Closed.TP5,
		&p.Closed.SL, &p.Closed.TimeGuard, &p.Closed.MaxBars, &p.Closed.SwingTP,
		&p.Closed.DynTP, &p.Closed.Other, &p.ReopenBaseline, &orderIDs,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if len(tpLevels) > 0 && string(tpLevels) != "null" {
		if err := json.Unmarshal(tpLevels, &p.TPLevels); err != nil {
			return domain.Position{}, fmt.Errorf("decode tp_levels: %w", err)
		}
	}
	if len(orderIDs) > 0 {
		if err := json.Unmarshal(orderIDs, &p.OrderIDs); err != nil {
			return domain.Position{}, fmt.Errorf("decode order_ids: %w", err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// encodeLevels marshals tp_levels for its JSONB column. Empty maps are
// stored as NULL.
func encodeLevels(levels map[string]domain.TPLevel) ([]byte, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	return json.Marshal(levels)
}

func encodeOrderIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// step runs fn inside a savepoint of tx, rolling back to the savepoint and
// retrying when fn fails with a transient error.
func step(ctx context.Context, r *retry.Retrier, tx pgx.Tx, fn func(q pgx.Tx) error) error {
	return r.Do(ctx, func() error {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(sp); err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		return sp.Commit(ctx)
	})
}

func (s *PositionStore) begin(ctx context.Context) (pgx.Tx, error) {
	return retry.Value(ctx, s.retry, func() (pgx.Tx, error) {
		return s.pool.Begin(ctx)
	})
}

// ApplySignal inserts the processed-event marker and runs fn in the same
// transaction. A marker that already exists yields domain.ErrDuplicateEvent;
// a concurrent insert of the same id blocks until the other transaction ends.
func (s *PositionStore) ApplySignal(ctx context.Context, ev domain.ProcessedEvent, fn func(ctx context.Context, tx domain.PositionTx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin signal %s: %w", ev.EventID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := markEvent(ctx, s.retry, tx, ev); err != nil {
		return err
	}
	if err := fn(ctx, &positionTx{tx: tx, retry: s.retry}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit signal %s: %w", ev.EventID, err)
	}
	return nil
}

// markEvent inserts the processed-event marker inside tx. It returns
// domain.ErrDuplicateEvent when the marker is already present.
func markEvent(ctx context.Context, r *retry.Retrier, tx pgx.Tx, ev domain.ProcessedEvent) error {
	const insertEvent = `
		INSERT INTO processed_events (event_id, event_type, symbol, strategy_id, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`

	var inserted bool
	err := step(ctx, r, tx, func(q pgx.Tx) error {
		tag, err := q.Exec(ctx, insertEvent, ev.EventID, string(ev.EventType), ev.Symbol, ev.StrategyID, ev.ProcessedAt)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: mark event %s: %w", ev.EventID, err)
	}
	if !inserted {
		return domain.ErrDuplicateEvent
	}
	return nil
}

// Update runs fn in its own transaction.
func (s *PositionStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.PositionTx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &positionTx{tx: tx, retry: s.retry}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit update: %w", err)
	}
	return nil
}

// Get returns the position row for key.
func (s *PositionStore) Get(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE account_id = $1 AND symbol = $2 AND strategy_id = $3`

	p, err := retry.Value(ctx, s.retry, func() (domain.Position, error) {
		return scanPosition(s.pool.QueryRow(ctx, query, key.AccountID, key.Symbol, key.StrategyID))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", key, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", key, err)
	}
	return p, nil
}

// ListOpen returns every OPEN position ordered by id.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.List(ctx, domain.PositionFilter{Status: domain.PositionStatusOpen})
}

// List returns positions matching f, most recently updated first unless only
// open positions are requested.
func (s *PositionStore) List(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if f.Status != "" {
		add(" AND status = $%d", string(f.Status))
	}
	if f.AccountID != "" {
		add(" AND account_id = $%d", f.AccountID)
	}
	if f.Symbol != "" {
		add(" AND symbol = $%d", f.Symbol)
	}
	if f.StrategyID != "" {
		add(" AND strategy_id = $%d", f.StrategyID)
	}
	if f.Since != nil {
		add(" AND updated_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add(" AND updated_at < $%d", *f.Until)
	}

	if f.Status == domain.PositionStatusOpen && f.Limit == 0 {
		query += " ORDER BY id"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	if f.Limit > 0 {
		add(" LIMIT $%d", f.Limit)
	}
	if f.Offset > 0 {
		add(" OFFSET $%d", f.Offset)
	}

	positions, err := retry.Value(ctx, s.retry, func() ([]domain.Position, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		return scanPositions(rows)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return positions, nil
}

// positionTx implements domain.PositionTx on a pgx transaction or savepoint.
type positionTx struct {
	tx    pgx.Tx
	retry *retry.Retrier
}

// LockPosition serialises all writers of key for the rest of the transaction
// with an advisory lock, which also covers keys that have no row yet, then
// reads the row FOR UPDATE.
func (t *positionTx) LockPosition(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE account_id = $1 AND symbol = $2 AND strategy_id = $3
		FOR UPDATE`

	var pos domain.Position
	err := step(ctx, t.retry, t.tx, func(q pgx.Tx) error {
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
			return err
		}
		p, err := scanPosition(q.QueryRow(ctx, query, key.AccountID, key.Symbol, key.StrategyID))
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: lock position %s: %w", key, err)
	}
	return &pos, nil
}

// InsertPosition creates a new row and sets p.ID.
func (t *positionTx) InsertPosition(ctx context.Context, p *domain.Position) error {
	levels, err := encodeLevels(p.TPLevels)
	if err != nil {
		return fmt.Errorf("postgres: encode tp_levels: %w", err)
	}
	orderIDs, err := encodeOrderIDs(p.OrderIDs)
	if err != nil {
		return fmt.Errorf("postgres: encode order_ids: %w", err)
	}

	const query = `
		INSERT INTO positions (
			account_id, symbol, strategy_id, side,
			initial_qty, remaining_qty, entry_price, status, leverage, margin_mode,
			entry_strategy, sl_type, sl_price, tp_levels, tp_level,
			reopen_baseline, order_ids, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19
		) RETURNING id`

	err = step(ctx, t.retry, t.tx, func(q pgx.Tx) error {
		return q.QueryRow(ctx, query,
			p.AccountID, p.Symbol, p.StrategyID, string(p.Side),
			p.InitialQty, p.RemainingQty, p.EntryPrice, string(p.Status), p.Leverage, p.MarginMode,
			p.EntryStrategy, p.SLType, p.SLPrice, levels, p.TPLevel,
			p.ReopenBaseline, orderIDs, p.CreatedAt, p.UpdatedAt,
		).Scan(&p.ID)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: insert position %s: %w", p.Key(), domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert position %s: %w", p.Key(), err)
	}
	return nil
}

// SavePosition writes every mutable column of p.
func (t *positionTx) SavePosition(ctx context.Context, p *domain.Position) error {
	levels, err := encodeLevels(p.TPLevels)
	if err != nil {
		return fmt.Errorf("postgres: encode tp_levels: %w", err)
	}
	orderIDs, err := encodeOrderIDs(p.OrderIDs)
	if err != nil {
		return fmt.Errorf("postgres: encode order_ids: %w", err)
	}

	const query = `
		UPDATE positions SET
			side = $2, initial_qty = $3, remaining_qty = $4, entry_price = $5,
			status = $6, leverage = $7, margin_mode = $8, entry_strategy = $9,
			sl_type = $10, sl_price = $11, tp_levels = $12, tp_level = $13,
			closed_qty_tp1 = $14, closed_qty_tp2 = $15, closed_qty_tp3 = $16,
			closed_qty_tp4 = $17, closed_qty_tp5 = $18, sl_closed_qty = $19,
			timeguard_closed_qty = $20, maxbars_closed_qty = $21, swingtp_closed_qty = $22,
			dyn_tp_closed_qty = $23, other_closed_qty = $24, reopen_baseline = $25,
			order_ids = $26, updated_at = $27
		WHERE id = $1`

	var affected int64
	err = step(ctx, t.retry, t.tx, func(q pgx.Tx) error {
		tag, err := q.Exec(ctx, query,
			p.ID, string(p.Side), p.InitialQty, p.RemainingQty, p.EntryPrice,
			string(p.Status), p.Leverage, p.MarginMode, p.EntryStrategy,
			p.SLType, p.SLPrice, levels, p.TPLevel,
			p.Closed.TP1, p.Closed.TP2, p.Closed.TP3,
			p.Closed.TP4, p.Closed.TP5, p.Closed.SL,
			p.Closed.TimeGuard, p.Closed.MaxBars, p.Closed.SwingTP,
			p.Closed.DynTP, p.Closed.Other, p.ReopenBaseline,
			orderIDs, p.UpdatedAt,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.Key(), err)
	}
	if affected == 0 {
		return fmt.Errorf("postgres: save position %s: %w", p.Key(), domain.ErrNotFound)
	}
	return nil
}

// Scope runs fn inside a savepoint; a failing fn rolls back only its writes.
func (t *positionTx) Scope(ctx context.Context, fn func(tx domain.PositionTx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: savepoint: %w", err)
	}
	if err := fn(&positionTx{tx: sp, retry: t.retry}); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: release savepoint: %w", err)
	}
	return nil
}
