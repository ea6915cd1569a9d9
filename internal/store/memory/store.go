// Package memory implements the position and audit stores in process memory.
// It backs paper trading and tests; transactions are serialised by a single
// mutex, which gives the same read-modify-write isolation as row locking.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

// Store implements domain.PositionStore.
type Store struct {
	txMu sync.Mutex // held for the life of a transaction
	mu   sync.RWMutex

	positions map[domain.PositionKey]domain.Position
	events    map[string]domain.ProcessedEvent
	nextID    int64

	saveErrs map[domain.PositionKey]error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		positions: make(map[domain.PositionKey]domain.Position),
		events:    make(map[string]domain.ProcessedEvent),
		saveErrs:  make(map[domain.PositionKey]error),
	}
}

// FailNextSave makes the next SavePosition or InsertPosition for key return
// err. Used to exercise storage failure paths.
func (s *Store) FailNextSave(key domain.PositionKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErrs[key] = err
}

func (s *Store) takeSaveErr(key domain.PositionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.saveErrs[key]
	if ok {
		delete(s.saveErrs, key)
	}
	return err
}

// ApplySignal records ev and runs fn as one transaction.
func (s *Store) ApplySignal(ctx context.Context, ev domain.ProcessedEvent, fn func(ctx context.Context, tx domain.PositionTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	_, dup := s.events[ev.EventID]
	s.mu.RUnlock()
	if dup {
		return domain.ErrDuplicateEvent
	}

	tx := s.newTx(nil)
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(tx)
	s.events[ev.EventID] = ev
	return nil
}

// Update runs fn as one transaction.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx domain.PositionTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := s.newTx(nil)
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	for k, p := range tx.staged {
		s.positions[k] = p
	}
}

// Get returns the position for key.
func (s *Store) Get(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", key, domain.ErrNotFound)
	}
	return clonePosition(p), nil
}

// ListOpen returns every OPEN position ordered by id.
func (s *Store) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.List(ctx, domain.PositionFilter{Status: domain.PositionStatusOpen})
}

// List returns positions matching f. Open-only listings without a limit are
// ordered by id; everything else is most recently updated first.
func (s *Store) List(_ context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	s.mu.RLock()
	var out []domain.Position
	for _, p := range s.positions {
		if matches(p, f) {
			out = append(out, clonePosition(p))
		}
	}
	s.mu.RUnlock()

	if f.Status == domain.PositionStatusOpen && f.Limit == 0 {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	} else {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].UpdatedAt.After(out[j].UpdatedAt)
			}
			return out[i].ID > out[j].ID
		})
	}
	return paginate(out, f.ListOpts), nil
}

func matches(p domain.Position, f domain.PositionFilter) bool {
	switch {
	case f.Status != "" && p.Status != f.Status:
		return false
	case f.AccountID != "" && p.AccountID != f.AccountID:
		return false
	case f.Symbol != "" && p.Symbol != f.Symbol:
		return false
	case f.StrategyID != "" && p.StrategyID != f.StrategyID:
		return false
	case f.Since != nil && p.UpdatedAt.Before(*f.Since):
		return false
	case f.Until != nil && !p.UpdatedAt.Before(*f.Until):
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// IsProcessed reports whether eventID was committed.
func (s *Store) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// ListEvents returns processed events newest first.
func (s *Store) ListEvents(_ context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error) {
	s.mu.RLock()
	out := make([]domain.ProcessedEvent, 0, len(s.events))
	for _, e := range s.events {
		if opts.Since != nil && e.ProcessedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.ProcessedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.After(out[j].ProcessedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return paginate(out, opts), nil
}

// memTx stages writes until the outermost transaction commits. Nested scopes
// merge into their parent on success and are dropped on failure.
type memTx struct {
	s      *Store
	parent *memTx
	staged map[domain.PositionKey]domain.Position
}

func (s *Store) newTx(parent *memTx) *memTx {
	return &memTx{s: s, parent: parent, staged: make(map[domain.PositionKey]domain.Position)}
}

func (t *memTx) lookup(key domain.PositionKey) (domain.Position, bool) {
	for tx := t; tx != nil; tx = tx.parent {
		if p, ok := tx.staged[key]; ok {
			return p, true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.positions[key]
	return p, ok
}

func (t *memTx) LockPosition(_ context.Context, key domain.PositionKey) (*domain.Position, error) {
	p, ok := t.lookup(key)
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := clonePosition(p)
	return &c, nil
}

func (t *memTx) InsertPosition(_ context.Context, p *domain.Position) error {
	key := p.Key()
	if err := t.s.takeSaveErr(key); err != nil {
		return fmt.Errorf("memory: insert position %s: %w", key, err)
	}
	if _, ok := t.lookup(key); ok {
		return fmt.Errorf("memory: insert position %s: %w", key, domain.ErrAlreadyExists)
	}
	t.s.mu.Lock()
	t.s.nextID++
	p.ID = t.s.nextID
	t.s.mu.Unlock()
	t.staged[key] = clonePosition(*p)
	return nil
}

func (t *memTx) SavePosition(_ context.Context, p *domain.Position) error {
	key := p.Key()
	if err := t.s.takeSaveErr(key); err != nil {
		return fmt.Errorf("memory: save position %s: %w", key, err)
	}
	if _, ok := t.lookup(key); !ok {
		return fmt.Errorf("memory: save position %s: %w", key, domain.ErrNotFound)
	}
	t.staged[key] = clonePosition(*p)
	return nil
}

func (t *memTx) Scope(_ context.Context, fn func(tx domain.PositionTx) error) error {
	child := t.s.newTx(t)
	if err := fn(child); err != nil {
		return err
	}
	for k, p := range child.staged {
		t.staged[k] = p
	}
	return nil
}

func clonePosition(p domain.Position) domain.Position {
	if p.TPLevels != nil {
		levels := make(map[string]domain.TPLevel, len(p.TPLevels))
		for k, v := range p.TPLevels {
			levels[k] = v
		}
		p.TPLevels = levels
	}
	if p.OrderIDs != nil {
		p.OrderIDs = append([]string(nil), p.OrderIDs...)
	}
	if p.SLPrice != nil {
		v := *p.SLPrice
		p.SLPrice = &v
	}
	return p
}

// AuditLog implements domain.AuditStore in memory.
type AuditLog struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditLog returns an empty AuditLog.
func NewAuditLog() *AuditLog { return &AuditLog{} }

func (a *AuditLog) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *AuditLog) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	out := make([]domain.AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	a.mu.Unlock()
	return paginate(out, opts), nil
}
