package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAgain = errors.New("again")

func TestBackoff_Exponential(t *testing.T) {
	policy := Policy{Base: 100 * time.Millisecond, Max: 30 * time.Second}
	params := Params{Scope: "commit", Key: "q1"}

	for attempt, want := range []time.Duration{100, 200, 400, 800} {
		params.Attempt = attempt
		assert.Equal(t, want*time.Millisecond, Backoff(params, policy), "attempt %d", attempt)
	}
}

func TestBackoff_Capped(t *testing.T) {
	policy := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, time.Second, Backoff(Params{Attempt: 10}, policy))
	assert.Equal(t, time.Second, Backoff(Params{Attempt: 62}, policy))
}

func TestJitter_Deterministic(t *testing.T) {
	policy := Policy{MaxJitter: time.Second}
	p := Params{Scope: "lock", Key: "q1", Attempt: 2}

	j1 := Jitter(p, policy)
	j2 := Jitter(p, policy)
	assert.Equal(t, j1, j2)
	assert.GreaterOrEqual(t, j1, time.Duration(0))
	assert.Less(t, j1, time.Second)

	assert.Zero(t, Jitter(p, Policy{}))
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Base: time.Microsecond, MaxAttempts: 5}, Params{Key: "q1"},
		func(err error) bool { return errors.Is(err, errAgain) },
		func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return errAgain
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Policy{Base: time.Microsecond, MaxAttempts: 5}, Params{},
		func(err error) bool { return errors.Is(err, errAgain) },
		func(ctx context.Context, attempt int) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Base: time.Microsecond, MaxAttempts: 3}, Params{},
		func(error) bool { return true },
		func(ctx context.Context, attempt int) error {
			calls++
			return errAgain
		})
	assert.ErrorIs(t, err, errAgain)
	assert.Equal(t, 3, calls)
}

func TestDo_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, Policy{Base: time.Hour, MaxAttempts: 3}, Params{},
		func(error) bool { return true },
		func(ctx context.Context, attempt int) error {
			cancel()
			return errAgain
		})
	assert.ErrorIs(t, err, context.Canceled)
}
