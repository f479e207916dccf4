package billing

import (
	"slices"
	"time"

	"github.com/coachly/billing/pkg/backoff"
	"github.com/coachly/billing/pkg/commission"
)

// Config holds the engine's environment-supplied settings.
// Trial and grace windows are configuration, never constants baked into logic.
type Config struct {
	TrialPeriodDays           int      `env:"TRIAL_PERIOD_DAYS" envDefault:"7"`
	GracePeriodDays           int      `env:"GRACE_PERIOD_DAYS" envDefault:"3"`
	MaxPaymentRetries         int      `env:"MAX_PAYMENT_RETRIES" envDefault:"3"`
	RetryIntervalsHours       []int    `env:"RETRY_INTERVALS_HOURS" envDefault:"24,72,168" envSeparator:","`
	PlatformCommissionPercent int64    `env:"PLATFORM_COMMISSION_PERCENT" envDefault:"11"`
	SupportedCurrencies       []string `env:"SUPPORTED_CURRENCIES" envDefault:"USD,EUR,GBP" envSeparator:","`

	// Ingestion and outbound-call behavior.
	IngestMaxRetries int           `env:"BILLING_INGEST_MAX_RETRIES" envDefault:"5"`
	ProviderTimeout  time.Duration `env:"BILLING_PROVIDER_TIMEOUT" envDefault:"10s"`
	SweepInterval    time.Duration `env:"BILLING_SWEEP_INTERVAL" envDefault:"15m"`
	EventDedupeTTL   time.Duration `env:"BILLING_EVENT_DEDUPE_TTL" envDefault:"168h"`
}

// TrialPeriod returns the trial window duration.
func (c Config) TrialPeriod() time.Duration {
	return time.Duration(c.TrialPeriodDays) * 24 * time.Hour
}

// GracePeriod returns the grace window duration applied after a failed renewal.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// PaymentRetrySchedule returns the provider-style payment retry schedule,
// truncated to MaxPaymentRetries attempts.
func (c Config) PaymentRetrySchedule() backoff.Intervals {
	n := min(c.MaxPaymentRetries, len(c.RetryIntervalsHours))
	schedule := make([]time.Duration, 0, n)
	for _, h := range c.RetryIntervalsHours[:n] {
		schedule = append(schedule, time.Duration(h)*time.Hour)
	}
	return backoff.Intervals{Schedule: schedule}
}

// FeeModel returns the commission fee model derived from the configured
// platform percentage.
func (c Config) FeeModel() commission.FeeModel {
	model := commission.DefaultFeeModel()
	model.PlatformBps = c.PlatformCommissionPercent * 100
	return model
}

// CurrencySupported reports whether the engine accepts amounts in the currency.
// An empty configured list accepts everything; amounts are otherwise opaque.
func (c Config) CurrencySupported(currency string) bool {
	if len(c.SupportedCurrencies) == 0 {
		return true
	}
	return slices.Contains(c.SupportedCurrencies, currency)
}

// DefaultConfig returns the engine defaults used when no environment is loaded,
// primarily for tests.
func DefaultConfig() Config {
	return Config{
		TrialPeriodDays:           7,
		GracePeriodDays:           3,
		MaxPaymentRetries:         3,
		RetryIntervalsHours:       []int{24, 72, 168},
		PlatformCommissionPercent: 11,
		SupportedCurrencies:       []string{"USD", "EUR", "GBP"},
		IngestMaxRetries:          5,
		ProviderTimeout:           10 * time.Second,
		SweepInterval:             15 * time.Minute,
		EventDedupeTTL:            168 * time.Hour,
	}
}
