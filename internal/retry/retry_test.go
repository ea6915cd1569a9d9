package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Multiplier: 2.5}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	r := New(fastPolicy(5))
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }
	r := New(p)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("save: %w", &pgconn.PgError{Code: "55P03"})
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	r := New(fastPolicy(5))
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	r := New(Policy{MaxAttempts: 10, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func() error { return Transient(errors.New("busy")) })
	require.ErrorIs(t, err, context.Canceled)
}

func TestValueReturnsResult(t *testing.T) {
	r := New(fastPolicy(3))
	calls := 0
	v, err := Value(context.Background(), r, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient(errors.New("busy"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(Policy{}).Policy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2.5, p.Multiplier)
	assert.Equal(t, 100*time.Millisecond, p.InitialBackoff)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"marked", Transient(errors.New("x")), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
