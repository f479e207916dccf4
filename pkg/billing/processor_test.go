package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/billing/pkg/backoff"
	"github.com/coachly/billing/pkg/billing"
)

// flakyStore fails a configured number of Update calls with a transient error
// before letting them through.
type flakyStore struct {
	billing.LedgerStore

	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Update(ctx context.Context, sub *billing.Subscription, rec *billing.BillingRecord) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return billing.ErrStoreUnavailable
	}
	return s.LedgerStore.Update(ctx, sub, rec)
}

func newTestProcessor(t *testing.T, store billing.LedgerStore) (*billing.Processor, *billing.MemoryDeadLetterStore) {
	t.Helper()
	cfg := billing.DefaultConfig()
	cfg.IngestMaxRetries = 2
	deadLetters := billing.NewMemoryDeadLetterStore()
	machine := billing.NewMachine(store, cfg)
	processor := billing.NewProcessor(machine, store, deadLetters, cfg,
		billing.WithRetryStrategy(backoff.Fixed{Interval: time.Millisecond}),
	)
	return processor, deadLetters
}

func checkoutEvent(externalID, eventID string, userID, packageID uuid.UUID, trial bool) billing.ExternalEvent {
	now := time.Now().UTC()
	end := now.AddDate(0, 1, 0)
	amount := int64(10000)

	payload := billing.EventPayload{
		Currency:    "USD",
		PeriodStart: &now,
		PeriodEnd:   &end,
		Trial:       trial,
		UserID:      userID,
		PackageID:   packageID,
	}
	if !trial {
		payload.Amount = &amount
	}

	return billing.ExternalEvent{
		EventID:                eventID,
		SubscriptionExternalID: externalID,
		Type:                   billing.EventCheckoutCompleted,
		OccurredAt:             now,
		Payload:                payload,
	}
}

func TestProcessor_Ingest(t *testing.T) {
	t.Parallel()

	t.Run("checkout completed creates and activates subscription", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		event := checkoutEvent("psub_ingest", "evt_1", uuid.New(), uuid.New(), false)
		require.NoError(t, processor.Ingest(context.Background(), event))

		sub, err := store.GetByExternalID(context.Background(), "psub_ingest")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)

		records, err := store.ListBillingRecords(context.Background(), sub.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, int64(10000), records[0].Amount)
	})

	t.Run("checkout with trial starts trial without charge", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		event := checkoutEvent("psub_trial_ing", "evt_trial", uuid.New(), uuid.New(), true)
		require.NoError(t, processor.Ingest(context.Background(), event))

		sub, err := store.GetByExternalID(context.Background(), "psub_trial_ing")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.True(t, sub.IsTrialActive)

		records, err := store.ListBillingRecords(context.Background(), sub.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Zero(t, records[0].Amount)
	})

	t.Run("rejects malformed events", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		err := processor.Ingest(context.Background(), billing.ExternalEvent{EventID: "evt_no_sub"})
		assert.ErrorIs(t, err, billing.ErrValidation)

		err = processor.Ingest(context.Background(), billing.ExternalEvent{
			EventID:                "evt_unknown",
			SubscriptionExternalID: "psub_x",
			Type:                   "mystery-event",
		})
		assert.ErrorIs(t, err, billing.ErrUnknownEventType)
	})
}

func TestProcessor_Idempotency(t *testing.T) {
	t.Parallel()

	t.Run("double ingest yields identical state and ledger", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		event := checkoutEvent("psub_dup", "evt_dup", uuid.New(), uuid.New(), false)
		require.NoError(t, processor.Ingest(context.Background(), event))
		require.NoError(t, processor.Ingest(context.Background(), event))

		sub, err := store.GetByExternalID(context.Background(), "psub_dup")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)

		records, err := store.ListBillingRecords(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("duplicate refund yields one negative record", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		require.NoError(t, processor.Ingest(context.Background(),
			checkoutEvent("psub_ref_dup", "evt_checkout", uuid.New(), uuid.New(), false)))

		amount := int64(10000)
		refund := billing.ExternalEvent{
			EventID:                "evt_refund",
			SubscriptionExternalID: "psub_ref_dup",
			Type:                   billing.EventChargeRefunded,
			OccurredAt:             time.Now().UTC(),
			Payload:                billing.EventPayload{Amount: &amount, Currency: "USD"},
		}

		require.NoError(t, processor.Ingest(context.Background(), refund))
		require.NoError(t, processor.Ingest(context.Background(), refund))

		sub, err := store.GetByExternalID(context.Background(), "psub_ref_dup")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, sub.Status)

		records, err := store.ListBillingRecords(context.Background(), sub.ID)
		require.NoError(t, err)

		refunds := 0
		for _, rec := range records {
			if rec.Amount < 0 {
				refunds++
			}
		}
		assert.Equal(t, 1, refunds)
	})

	t.Run("duplicate detected even after intermediate events", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		checkout := checkoutEvent("psub_interleave", "evt_checkout", uuid.New(), uuid.New(), false)
		require.NoError(t, processor.Ingest(context.Background(), checkout))

		failed := billing.ExternalEvent{
			EventID:                "evt_fail",
			SubscriptionExternalID: "psub_interleave",
			Type:                   billing.EventSubscriptionPaymentFailed,
			OccurredAt:             time.Now().UTC(),
		}
		require.NoError(t, processor.Ingest(context.Background(), failed))

		// Redelivery of the checkout event after another event landed.
		require.NoError(t, processor.Ingest(context.Background(), checkout))

		sub, err := store.GetByExternalID(context.Background(), "psub_interleave")
		require.NoError(t, err)
		assert.True(t, sub.IsInGracePeriod)

		records, err := store.ListBillingRecords(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestProcessor_OutOfOrder(t *testing.T) {
	t.Parallel()

	t.Run("event for impossible transition is dropped", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, _ := newTestProcessor(t, store)

		checkout := checkoutEvent("psub_ooo", "evt_checkout", uuid.New(), uuid.New(), false)
		require.NoError(t, processor.Ingest(context.Background(), checkout))

		cancelled := billing.ExternalEvent{
			EventID:                "evt_cancelled",
			SubscriptionExternalID: "psub_ooo",
			Type:                   billing.EventSubscriptionCancelled,
			OccurredAt:             time.Now().UTC(),
		}
		require.NoError(t, processor.Ingest(context.Background(), cancelled))

		// Late renewal for the already-cancelled subscription must not
		// resurrect it.
		renewed := billing.ExternalEvent{
			EventID:                "evt_late_renewal",
			SubscriptionExternalID: "psub_ooo",
			Type:                   billing.EventSubscriptionRenewed,
			OccurredAt:             time.Now().UTC(),
		}
		require.NoError(t, processor.Ingest(context.Background(), renewed))

		sub, err := store.GetByExternalID(context.Background(), "psub_ooo")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, sub.Status)
	})
}

func TestProcessor_DeadLetters(t *testing.T) {
	t.Parallel()

	t.Run("transient failures retry before dead-lettering", func(t *testing.T) {
		t.Parallel()

		base := billing.NewMemoryLedgerStore()
		store := &flakyStore{LedgerStore: base, failures: 1}
		processor, deadLetters := newTestProcessor(t, store)

		event := checkoutEvent("psub_flaky", "evt_flaky", uuid.New(), uuid.New(), false)
		require.NoError(t, processor.Ingest(context.Background(), event))

		letters, err := deadLetters.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("exhausted retries park the event for replay", func(t *testing.T) {
		t.Parallel()

		base := billing.NewMemoryLedgerStore()
		store := &flakyStore{LedgerStore: base, failures: 10}
		processor, deadLetters := newTestProcessor(t, store)

		event := checkoutEvent("psub_dlq", "evt_dlq", uuid.New(), uuid.New(), false)
		err := processor.Ingest(context.Background(), event)
		assert.ErrorIs(t, err, billing.ErrStoreUnavailable)

		letters, err := deadLetters.List(context.Background())
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, "evt_dlq", letters[0].Event.EventID)
		assert.False(t, letters[0].Fatal)

		// Store recovers; replay applies the parked event and clears it.
		store.mu.Lock()
		store.failures = 0
		store.mu.Unlock()

		replayed, err := processor.ReplayDeadLetters(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, replayed)

		letters, err = deadLetters.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, letters)

		sub, err := base.GetByExternalID(context.Background(), "psub_dlq")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("money invariant violations are fatal and never replayed", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryLedgerStore()
		processor, deadLetters := newTestProcessor(t, store)

		require.NoError(t, processor.Ingest(context.Background(),
			checkoutEvent("psub_fatal", "evt_checkout", uuid.New(), uuid.New(), false)))

		amount := int64(99999)
		refund := billing.ExternalEvent{
			EventID:                "evt_over_refund",
			SubscriptionExternalID: "psub_fatal",
			Type:                   billing.EventChargeRefunded,
			OccurredAt:             time.Now().UTC(),
			Payload:                billing.EventPayload{Amount: &amount, Currency: "USD"},
		}

		err := processor.Ingest(context.Background(), refund)
		assert.ErrorIs(t, err, billing.ErrMoneyInvariant)

		letters, err := deadLetters.List(context.Background())
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.True(t, letters[0].Fatal)

		replayed, err := processor.ReplayDeadLetters(context.Background())
		require.NoError(t, err)
		assert.Zero(t, replayed)
	})
}

func TestProcessor_CreationRace(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryLedgerStore()
	processor, _ := newTestProcessor(t, store)

	userID, packageID := uuid.New(), uuid.New()

	created := billing.ExternalEvent{
		EventID:                "evt_created",
		SubscriptionExternalID: "psub_race",
		Type:                   billing.EventSubscriptionCreated,
		OccurredAt:             time.Now().UTC(),
		Payload:                billing.EventPayload{UserID: userID, PackageID: packageID},
	}
	require.NoError(t, processor.Ingest(context.Background(), created))

	// The checkout-completed event arrives second but must still activate the
	// row the created event materialized.
	checkout := checkoutEvent("psub_race", "evt_checkout", userID, packageID, false)
	require.NoError(t, processor.Ingest(context.Background(), checkout))

	sub, err := store.GetByExternalID(context.Background(), "psub_race")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)

	subs, err := store.ListByUserPackage(context.Background(), userID, packageID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
