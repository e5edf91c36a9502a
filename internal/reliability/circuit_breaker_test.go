package reliability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calque-health/medvault/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func failingCall(ctx context.Context) error { return errBackend }
func okCall(ctx context.Context) error      { return nil }

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := reliability.NewCircuitBreaker("store", reliability.CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failingCall)
		require.ErrorIs(t, err, errBackend, "failure %d should pass through", i+1)
		require.False(t, reliability.IsCircuitOpen(err))
	}
	assert.Equal(t, reliability.StateOpen, cb.State())

	// Fail fast without reaching the backend.
	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, reliability.IsCircuitOpen(err))
	assert.False(t, called)

	var coe *reliability.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "store", coe.Circuit)
	assert.False(t, coe.RetryAt.IsZero())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := reliability.NewCircuitBreaker("store", reliability.CircuitBreakerConfig{
		FailureThreshold: 3,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))
	require.NoError(t, cb.Execute(ctx, okCall))
	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))

	// Two failures after a reset: still closed.
	assert.Equal(t, reliability.StateClosed, cb.State())
}

func TestCircuitBreakerRecovery(t *testing.T) {
	var transitions []string
	cb := reliability.NewCircuitBreaker("store", reliability.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Millisecond,
		OnStateChange: func(name string, from, to reliability.CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))
	require.Equal(t, reliability.StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, reliability.StateHalfOpen, cb.State())

	// Two successful trials close the circuit.
	require.NoError(t, cb.Execute(ctx, okCall))
	require.NoError(t, cb.Execute(ctx, okCall))
	assert.Equal(t, reliability.StateClosed, cb.State())

	assert.Equal(t, []string{
		"CLOSED->OPEN",
		"OPEN->HALF_OPEN",
		"HALF_OPEN->CLOSED",
	}, transitions)
}

func TestCircuitBreakerReopensOnTrialFailure(t *testing.T) {
	cb := reliability.NewCircuitBreaker("store", reliability.CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Equal(t, reliability.StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, reliability.StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, failingCall), errBackend)
	assert.Equal(t, reliability.StateOpen, cb.State())
}

func TestCircuitBreakerStats(t *testing.T) {
	cb := reliability.NewCircuitBreaker("store", reliability.CircuitBreakerConfig{
		FailureThreshold: 5,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))

	stats := cb.Stats()
	assert.Equal(t, "store", stats.Name)
	assert.Equal(t, reliability.StateClosed, stats.State)
	assert.Equal(t, 2, stats.Failures)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", reliability.StateClosed.String())
	assert.Equal(t, "OPEN", reliability.StateOpen.String())
	assert.Equal(t, "HALF_OPEN", reliability.StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", reliability.CircuitState(99).String())
}
