package backoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/billing/pkg/backoff"
)

func TestExponential_NextInterval(t *testing.T) {
	t.Parallel()

	strategy := backoff.Exponential{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}

	assert.Equal(t, time.Duration(0), strategy.NextInterval(0))
	assert.Equal(t, time.Second, strategy.NextInterval(1))
	assert.Equal(t, 2*time.Second, strategy.NextInterval(2))
	assert.Equal(t, 4*time.Second, strategy.NextInterval(3))
	assert.Equal(t, 8*time.Second, strategy.NextInterval(4))

	// Capped at MaxInterval.
	assert.Equal(t, 10*time.Second, strategy.NextInterval(5))
	assert.Equal(t, 10*time.Second, strategy.NextInterval(20))
}

func TestExponential_Jitter(t *testing.T) {
	t.Parallel()

	strategy := backoff.Exponential{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		JitterFactor:    0.5,
	}

	for range 100 {
		interval := strategy.NextInterval(2)
		assert.GreaterOrEqual(t, interval, time.Second)
		assert.LessOrEqual(t, interval, 3*time.Second)
	}
}

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	var strategy backoff.Exponential

	assert.Equal(t, time.Second, strategy.NextInterval(1))
	assert.Equal(t, 2*time.Second, strategy.NextInterval(2))
	assert.Equal(t, 30*time.Second, strategy.NextInterval(10))
}

func TestFixed_NextInterval(t *testing.T) {
	t.Parallel()

	strategy := backoff.Fixed{Interval: 5 * time.Second}

	assert.Equal(t, time.Duration(0), strategy.NextInterval(0))
	assert.Equal(t, 5*time.Second, strategy.NextInterval(1))
	assert.Equal(t, 5*time.Second, strategy.NextInterval(100))
}

func TestIntervals_NextInterval(t *testing.T) {
	t.Parallel()

	strategy := backoff.Intervals{Schedule: []time.Duration{
		24 * time.Hour,
		72 * time.Hour,
		168 * time.Hour,
	}}

	assert.Equal(t, time.Duration(0), strategy.NextInterval(0))
	assert.Equal(t, 24*time.Hour, strategy.NextInterval(1))
	assert.Equal(t, 72*time.Hour, strategy.NextInterval(2))
	assert.Equal(t, 168*time.Hour, strategy.NextInterval(3))

	// Clamps to the last entry past the end of the schedule.
	assert.Equal(t, 168*time.Hour, strategy.NextInterval(4))

	assert.Equal(t, time.Duration(0), backoff.Intervals{}.NextInterval(1))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("waits for the delay", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		err := backoff.Sleep(context.Background(), backoff.Fixed{Interval: 20 * time.Millisecond}, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancelled context returns early", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := backoff.Sleep(ctx, backoff.Fixed{Interval: time.Minute}, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero delay returns immediately", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, backoff.Sleep(context.Background(), backoff.Fixed{}, 0))
	})
}
