// Package retry absorbs transient storage contention with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMultiplier     = 2.5
)

// Policy encapsulates exponential backoff settings.
type Policy struct {
	// MaxAttempts bounds the total number of calls, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// Retrier executes operations with backoff on transient errors.
type Retrier struct {
	p Policy
}

// New constructs a Retrier, filling unset fields with defaults.
func New(p Policy) *Retrier {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.Multiplier <= 1 {
		p.Multiplier = defaultMultiplier
	}
	return &Retrier{p: p}
}

// Policy returns the effective settings.
func (r *Retrier) Policy() Policy { return r.p }

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	backoff := r.p.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= r.p.MaxAttempts {
			return err
		}
		if r.p.OnRetry != nil {
			r.p.OnRetry(attempt, err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}

		backoff = time.Duration(math.Min(
			float64(r.p.MaxBackoff),
			float64(backoff)*r.p.Multiplier,
		))
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, r *Retrier, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Postgres SQLSTATE codes treated as contention.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"53300": true, // too_many_connections
	"57014": true, // query_canceled (statement/lock timeout)
	"08006": true, // connection_failure
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
}

// IsTransient reports whether err belongs to the lock, timeout, deadlock or
// connection-exhaustion class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code]
	}

	var marker interface{ Transient() bool }
	if errors.As(err, &marker) {
		return marker.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Pool acquire timeouts surface as a deadline on the caller's context.
	return errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)
}

// TransientError marks an error as retryable. Non-Postgres backends use it to
// report contention.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
