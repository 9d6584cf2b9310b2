package killswitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killswitch/internal/models"
)

func TestExecutionGate_ActiveRunsWithFullFactor(t *testing.T) {
	f := newFixture(t, nil, nil)
	gate := NewExecutionGate(f.core)

	var got float64
	err := gate.Execute(context.Background(), func(_ context.Context, factor float64) error {
		got = factor
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestExecutionGate_KilledRefuses(t *testing.T) {
	f := newFixture(t, nil, nil)
	gate := NewExecutionGate(f.core)
	_, err := f.core.Trigger("liquidation cascade", "alice")
	require.NoError(t, err)

	called := false
	err = gate.Execute(context.Background(), func(context.Context, float64) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrTradingBlocked)

	var blocked *TradingBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, models.StateKilled, blocked.State)
	assert.Equal(t, "liquidation cascade", blocked.Reason)
}

func TestExecutionGate_PropagatesFunctionError(t *testing.T) {
	f := newFixture(t, nil, nil)
	gate := NewExecutionGate(f.core)

	boom := errors.New("order rejected")
	err := gate.Execute(context.Background(), func(context.Context, float64) error { return boom })
	assert.Equal(t, boom, err)
}

func TestExecutionGate_CancelledContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	gate := NewExecutionGate(f.core)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := gate.Execute(ctx, func(context.Context, float64) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutionGate_RecoveringScalesOrders(t *testing.T) {
	f, rm, _ := killedFixture(t, nil, true)
	gate := NewExecutionGate(f.core)

	_, err := rm.Recover("alice", testSecret, "", nil)
	require.NoError(t, err)

	err = gate.CheckCanExecute()
	var blocked *TradingBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "recovery cooldown", blocked.Reason)

	f.clock.Advance(300 * time.Second)

	place := Wrap(gate, func(_ context.Context, factor float64) (float64, error) {
		return 2.0 * factor, nil
	})
	qty, err := place(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, qty)
}
