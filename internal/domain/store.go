package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionFilter narrows position listings. Empty fields match everything.
type PositionFilter struct {
	Status     PositionStatus
	AccountID  string
	Symbol     string
	StrategyID string
	ListOpts
}

// PositionTx is a read-modify-write scope over position rows. Rows returned
// by LockPosition stay locked against concurrent writers until the enclosing
// transaction ends.
type PositionTx interface {
	// LockPosition returns the row for key, or ErrNotFound.
	LockPosition(ctx context.Context, key PositionKey) (*Position, error)
	// InsertPosition creates a row and sets pos.ID. ErrAlreadyExists when
	// a row for the key exists.
	InsertPosition(ctx context.Context, pos *Position) error
	SavePosition(ctx context.Context, pos *Position) error
	// Scope runs fn in a nested scope. When fn fails only its writes are
	// discarded and the error is returned.
	Scope(ctx context.Context, fn func(tx PositionTx) error) error
}

// PositionStore persists positions and processed events. Contention on the
// underlying storage is retried inside the implementation.
type PositionStore interface {
	// ApplySignal records ev as processed and runs fn in the same
	// transaction. ErrDuplicateEvent when ev was already recorded. When fn
	// returns an error nothing is committed.
	ApplySignal(ctx context.Context, ev ProcessedEvent, fn func(ctx context.Context, tx PositionTx) error) error
	// Update runs fn in its own transaction.
	Update(ctx context.Context, fn func(ctx context.Context, tx PositionTx) error) error
	Get(ctx context.Context, key PositionKey) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	List(ctx context.Context, f PositionFilter) ([]Position, error)
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// ListEvents returns processed events, newest first.
	ListEvents(ctx context.Context, opts ListOpts) ([]ProcessedEvent, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
