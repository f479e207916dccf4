package statemachine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/billing/pkg/statemachine"
)

const (
	statePending statemachine.StringState = "pending"
	stateActive  statemachine.StringState = "active"
	stateClosed  statemachine.StringState = "closed"

	eventConfirm statemachine.StringEvent = "confirm"
	eventClose   statemachine.StringEvent = "close"
)

func TestTable_Fire(t *testing.T) {
	t.Parallel()

	t.Run("legal transition returns next state", func(t *testing.T) {
		t.Parallel()

		table := statemachine.MustNew(
			statemachine.WithTransition(statePending, stateActive, eventConfirm),
			statemachine.WithTransition(stateActive, stateClosed, eventClose),
		)

		next, err := table.Fire(context.Background(), statePending, eventConfirm, nil)
		require.NoError(t, err)
		assert.Equal(t, stateActive, next)

		next, err = table.Fire(context.Background(), stateActive, eventClose, nil)
		require.NoError(t, err)
		assert.Equal(t, stateClosed, next)
	})

	t.Run("undefined transition fails", func(t *testing.T) {
		t.Parallel()

		table := statemachine.MustNew(
			statemachine.WithTransition(statePending, stateActive, eventConfirm),
		)

		_, err := table.Fire(context.Background(), stateClosed, eventConfirm, nil)
		assert.True(t, statemachine.IsNoTransitionAvailableError(err))
		assert.True(t, statemachine.IsIllegalTransitionError(err))
	})

	t.Run("guard rejection", func(t *testing.T) {
		t.Parallel()

		table := statemachine.MustNew(
			statemachine.WithTransition(statePending, stateActive, eventConfirm,
				statemachine.WithGuard(func(ctx context.Context, from statemachine.State, event statemachine.Event, data any) bool {
					return data == "allowed"
				}),
			),
		)

		next, err := table.Fire(context.Background(), statePending, eventConfirm, "allowed")
		require.NoError(t, err)
		assert.Equal(t, stateActive, next)

		_, err = table.Fire(context.Background(), statePending, eventConfirm, "denied")
		assert.True(t, statemachine.IsTransitionRejectedError(err))
		assert.True(t, statemachine.IsIllegalTransitionError(err))
	})

	t.Run("first transition with passing guards wins", func(t *testing.T) {
		t.Parallel()

		table := statemachine.MustNew(
			statemachine.WithTransition(statePending, stateClosed, eventConfirm,
				statemachine.WithGuard(func(ctx context.Context, from statemachine.State, event statemachine.Event, data any) bool {
					return data == "abort"
				}),
			),
			statemachine.WithTransition(statePending, stateActive, eventConfirm),
		)

		next, err := table.Fire(context.Background(), statePending, eventConfirm, "abort")
		require.NoError(t, err)
		assert.Equal(t, stateClosed, next)

		next, err = table.Fire(context.Background(), statePending, eventConfirm, nil)
		require.NoError(t, err)
		assert.Equal(t, stateActive, next)
	})

	t.Run("failing action aborts transition", func(t *testing.T) {
		t.Parallel()

		actionErr := errors.New("side effect failed")
		table := statemachine.MustNew(
			statemachine.WithTransition(statePending, stateActive, eventConfirm,
				statemachine.WithAction(func(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
					return actionErr
				}),
			),
		)

		_, err := table.Fire(context.Background(), statePending, eventConfirm, nil)
		assert.ErrorIs(t, err, actionErr)
	})

	t.Run("actions run in order with correct states", func(t *testing.T) {
		t.Parallel()

		var calls []string
		table := statemachine.MustNew(
			statemachine.WithTransition(statePending, stateActive, eventConfirm,
				statemachine.WithActions(
					func(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
						assert.Equal(t, statePending, from)
						assert.Equal(t, stateActive, to)
						calls = append(calls, "first")
						return nil
					},
					func(ctx context.Context, from, to statemachine.State, event statemachine.Event, data any) error {
						calls = append(calls, "second")
						return nil
					},
				),
			),
		)

		_, err := table.Fire(context.Background(), statePending, eventConfirm, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, calls)
	})

	t.Run("nil state and event rejected", func(t *testing.T) {
		t.Parallel()

		table := statemachine.MustNew()

		_, err := table.Fire(context.Background(), nil, eventConfirm, nil)
		assert.ErrorIs(t, err, statemachine.ErrInvalidState)

		_, err = table.Fire(context.Background(), statePending, nil, nil)
		assert.ErrorIs(t, err, statemachine.ErrInvalidEvent)
	})
}

func TestTable_CanFire(t *testing.T) {
	t.Parallel()

	table := statemachine.MustNew(
		statemachine.WithTransition(statePending, stateActive, eventConfirm,
			statemachine.WithGuard(func(ctx context.Context, from statemachine.State, event statemachine.Event, data any) bool {
				return data != "denied"
			}),
		),
	)

	ctx := context.Background()

	assert.True(t, table.CanFire(ctx, statePending, eventConfirm, nil))
	assert.False(t, table.CanFire(ctx, statePending, eventConfirm, "denied"))
	assert.False(t, table.CanFire(ctx, stateActive, eventConfirm, nil))
	assert.False(t, table.CanFire(ctx, nil, eventConfirm, nil))
	assert.False(t, table.CanFire(ctx, statePending, nil, nil))
}

func TestTable_SharedAcrossAggregates(t *testing.T) {
	t.Parallel()

	table := statemachine.MustNew(
		statemachine.WithTransition(statePending, stateActive, eventConfirm),
	)

	// The same table validates independent aggregates without shared state.
	for range 10 {
		go func() {
			next, err := table.Fire(context.Background(), statePending, eventConfirm, nil)
			assert.NoError(t, err)
			assert.Equal(t, stateActive, next)
		}()
	}

	next, err := table.Fire(context.Background(), statePending, eventConfirm, nil)
	require.NoError(t, err)
	assert.Equal(t, stateActive, next)
}

func TestWithTransitions(t *testing.T) {
	t.Parallel()

	table, err := statemachine.New(
		statemachine.WithTransitions([]statemachine.TransitionDef{
			{From: statePending, To: stateActive, Event: eventConfirm},
			{From: stateActive, To: stateClosed, Event: eventClose},
		}),
	)
	require.NoError(t, err)

	assert.True(t, table.CanFire(context.Background(), statePending, eventConfirm, nil))
	assert.True(t, table.CanFire(context.Background(), stateActive, eventClose, nil))

	_, err = statemachine.New(
		statemachine.WithTransitions([]statemachine.TransitionDef{
			{From: nil, To: stateActive, Event: eventConfirm},
		}),
	)
	assert.ErrorIs(t, err, statemachine.ErrInvalidTransition)
}
