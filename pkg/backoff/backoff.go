package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy defines the interface for calculating retry delays.
// Implementations should be safe for concurrent use.
type Strategy interface {
	// NextInterval returns the backoff duration for the given attempt.
	// Attempt starts at 1 for the first retry.
	NextInterval(attempt int) time.Duration
}

// Exponential implements exponential backoff with jitter.
// Jitter prevents thundering herd when multiple workers retry simultaneously.
type Exponential struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// NextInterval calculates min(InitialInterval * Multiplier^(attempt-1) * (1 ± JitterFactor), MaxInterval).
func (e Exponential) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.InitialInterval
	if initial == 0 {
		initial = time.Second
	}

	max := e.MaxInterval
	if max == 0 {
		max = 30 * time.Second
	}

	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))

	// Zero jitter is intentionally allowed for deterministic tests.
	if e.JitterFactor > 0 {
		randomJitter := (rand.Float64()*2 - 1) * e.JitterFactor
		interval = interval * (1 + randomJitter)
	}

	if interval > float64(max) {
		interval = float64(max)
	}

	return time.Duration(interval)
}

// Fixed implements a constant delay between retries.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// Intervals replays an explicit schedule of delays, clamping to the last entry
// once attempts exceed the schedule length. Used for provider-dictated payment
// retry schedules (e.g. 24h, 72h, 168h).
type Intervals struct {
	Schedule []time.Duration
}

func (i Intervals) NextInterval(attempt int) time.Duration {
	if attempt <= 0 || len(i.Schedule) == 0 {
		return 0
	}
	if attempt > len(i.Schedule) {
		return i.Schedule[len(i.Schedule)-1]
	}
	return i.Schedule[attempt-1]
}

// Default returns production-ready exponential backoff: quick recovery for
// transient issues without hammering a struggling dependency.
func Default() Strategy {
	return Exponential{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		JitterFactor:    0.1,
	}
}

// Sleep blocks for the strategy's delay at the given attempt, returning early
// with the context error if the context is cancelled first.
func Sleep(ctx context.Context, s Strategy, attempt int) error {
	delay := s.NextInterval(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
