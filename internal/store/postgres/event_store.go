package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/retry"
)

// IsProcessed reports whether eventID has a processed-event marker.
func (s *PositionStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`
	exists, err := retry.Value(ctx, s.retry, func() (bool, error) {
		var ok bool
		err := s.pool.QueryRow(ctx, query, eventID).Scan(&ok)
		return ok, err
	})
	if err != nil {
		return false, fmt.Errorf("postgres: check event %s: %w", eventID, err)
	}
	return exists, nil
}

// ListEvents returns processed events newest first.
func (s *PositionStore) ListEvents(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error) {
	query := `SELECT event_id, event_type, symbol, strategy_id, processed_at FROM processed_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND processed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND processed_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY processed_at DESC, event_id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	events, err := retry.Value(ctx, s.retry, func() ([]domain.ProcessedEvent, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []domain.ProcessedEvent
		for rows.Next() {
			var e domain.ProcessedEvent
			var typ string
			if err := rows.Scan(&e.EventID, &typ, &e.Symbol, &e.StrategyID, &e.ProcessedAt); err != nil {
				return nil, err
			}
			e.EventType = domain.EventType(typ)
			out = append(out, e)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return events, nil
}
