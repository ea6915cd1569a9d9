package service

import (
	"context"
	"sync"
	"time"
)

// RecentEvents remembers recently committed signal identifiers so repeated
// deliveries are answered without opening a transaction. It is only a fast
// path: the processed-events table stays authoritative. Safe for concurrent
// use.
type RecentEvents struct {
	seen map[string]time.Time // eventID -> commit time
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewRecentEvents creates a cache that answers Seen for ttl after Mark.
func NewRecentEvents(ttl time.Duration) *RecentEvents {
	return &RecentEvents{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether eventID was marked within the TTL window.
func (d *RecentEvents) Seen(eventID string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[eventID]
	return ok && d.now().Sub(at) < d.ttl
}

// Mark records eventID as committed.
func (d *RecentEvents) Mark(eventID string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[eventID] = d.now()
}

// Run calls Cleanup every interval until ctx is cancelled. A non-positive
// interval uses the TTL, floored at one second.
func (d *RecentEvents) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = max(d.ttl, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Cleanup()
		}
	}
}

// Cleanup removes entries that have expired beyond the TTL.
func (d *RecentEvents) Cleanup() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of remembered identifiers.
func (d *RecentEvents) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
