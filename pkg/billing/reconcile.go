package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweepExpirations converts time-expired entitlements into terminal state:
// soft-cancels whose period ended and active subscriptions whose grace window
// elapsed. The provider may never emit an event for either, so the sweep is
// the mechanism of record. Every expiry goes through the state machine and
// its per-subscription lock, so a sweep cannot race a live webhook for the
// same subscription.
//
// Returns the number of subscriptions expired.
func (s *Service) SweepExpirations(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueForExpiration(ctx, now, s.cfg.GracePeriod())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sub := range due {
		if _, err := s.machine.Apply(ctx, sub.ID, Expire{}); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// A webhook won the race and already moved the subscription on.
				s.logger.DebugContext(ctx, "sweep skipped subscription, state already advanced",
					slog.String("subscription_id", sub.ID.String()))
				continue
			}
			s.logger.ErrorContext(ctx, "sweep failed to expire subscription",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.InfoContext(ctx, "expiration sweep completed",
			slog.Int("expired", expired),
			slog.Int("candidates", len(due)))
	}

	return expired, nil
}

// Sweeper runs the expiration sweep periodically.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a periodic sweeper. A non-positive interval falls back
// to the service configuration.
func NewSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if svc == nil {
		panic("billing: Service is required")
	}
	if interval <= 0 {
		interval = svc.cfg.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// Run returns a function suitable for errgroup that sweeps on a ticker until
// the context is cancelled. One sweep runs immediately at startup to catch
// entitlements that expired while the service was down.
func (s *Sweeper) Run(ctx context.Context) func() error {
	return func() error {
		if _, err := s.svc.SweepExpirations(ctx, time.Now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "initial expiration sweep failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := s.svc.SweepExpirations(ctx, time.Now().UTC()); err != nil {
					s.logger.ErrorContext(ctx, "expiration sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}
