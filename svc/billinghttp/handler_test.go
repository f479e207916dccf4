package billinghttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coachly/billing/pkg/billing"
	"github.com/coachly/billing/svc/billinghttp"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, externalSubscriptionID string, immediate bool) error {
	args := m.Called(ctx, externalSubscriptionID, immediate)
	return args.Error(0)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.ExternalEvent, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ExternalEvent), args.Error(1)
}

type fixture struct {
	handler  http.Handler
	machine  *billing.Machine
	store    *billing.MemoryLedgerStore
	provider *mockProvider
	pkg      billing.PackageTemplate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := billing.DefaultConfig()
	store := billing.NewMemoryLedgerStore()
	machine := billing.NewMachine(store, cfg)
	provider := new(mockProvider)
	pkg := billing.PackageTemplate{
		ID:        uuid.New(),
		Name:      "Endurance Coaching",
		TrainerID: uuid.New(),
		Price:     billing.Money{Amount: 10000, Currency: "USD"},
		Interval:  billing.BillingIntervalMonthly,
		TrialDays: 7,
	}

	svc := billing.NewService(machine, store, provider, billing.NewInMemPackagesSource(pkg), cfg)
	processor := billing.NewProcessor(machine, store, billing.NewMemoryDeadLetterStore(), cfg)
	handler := billinghttp.NewHandler(processor, svc, provider)

	return &fixture{
		handler:  handler.Router(),
		machine:  machine,
		store:    store,
		provider: provider,
		pkg:      pkg,
	}
}

func (f *fixture) activeSubscription(t *testing.T, userID uuid.UUID, externalID string) *billing.Subscription {
	t.Helper()

	sub, err := f.machine.CreatePending(context.Background(), billing.CreatePendingParams{
		UserID:                 userID,
		PackageID:              f.pkg.ID,
		ExternalSubscriptionID: externalID,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	sub, err = f.machine.Apply(context.Background(), sub.ID, billing.Activate{
		EventID:     "evt_activate_" + externalID,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		Amount:      billing.Money{Amount: 10000, Currency: "USD"},
	})
	require.NoError(t, err)
	return sub
}

func TestHandler_Webhook(t *testing.T) {
	t.Parallel()

	t.Run("valid event is ingested", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()
		now := time.Now().UTC()
		end := now.AddDate(0, 1, 0)
		amount := int64(10000)

		f.provider.On("ParseWebhook", mock.Anything, mock.Anything, "sig_valid").Return(&billing.ExternalEvent{
			EventID:                "evt_http",
			SubscriptionExternalID: "psub_http",
			Type:                   billing.EventCheckoutCompleted,
			OccurredAt:             now,
			Payload: billing.EventPayload{
				Amount:      &amount,
				Currency:    "USD",
				PeriodStart: &now,
				PeriodEnd:   &end,
				UserID:      userID,
				PackageID:   f.pkg.ID,
			},
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Paddle-Signature", "sig_valid")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		sub, err := f.store.GetByExternalID(context.Background(), "psub_http")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("invalid signature is rejected", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provider.On("ParseWebhook", mock.Anything, mock.Anything, "sig_bad").
			Return(nil, assert.AnError)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Paddle-Signature", "sig_bad")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown event type is acknowledged", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provider.On("ParseWebhook", mock.Anything, mock.Anything, "sig_unknown").
			Return(nil, billing.ErrUnknownEventType)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Paddle-Signature", "sig_unknown")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandler_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("soft cancel", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()
		sub := f.activeSubscription(t, userID, "psub_http_cancel")

		f.provider.On("CancelSubscription", mock.Anything, "psub_http_cancel", false).Return(nil)

		body := bytes.NewReader([]byte(`{"reason":"switching trainers"}`))
		req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+sub.ID.String()+"/cancel", body)
		req.Header.Set("X-User-ID", userID.String())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var result billing.CancellationResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, billing.StatusCancelledActive, result.Status)
		assert.False(t, result.EndsImmediately)
	})

	t.Run("missing identity", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+uuid.NewString()+"/cancel", nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("foreign subscription is forbidden", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		sub := f.activeSubscription(t, uuid.New(), "psub_http_foreign")

		req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+sub.ID.String()+"/cancel", nil)
		req.Header.Set("X-User-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+uuid.NewString()+"/cancel", nil)
		req.Header.Set("X-User-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_Eligibility(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	sub := f.activeSubscription(t, userID, "psub_http_elig")

	_, err := f.machine.Apply(context.Background(), sub.ID, billing.RequestCancellation{
		EventID: "evt_cancel", Immediate: true,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/eligibility", nil)
	req.Header.Set("X-User-ID", userID.String())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Packages []billing.EligibilityResult `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Packages, 1)
	assert.True(t, body.Packages[0].CanReactivate)
}

func TestHandler_Reactivate(t *testing.T) {
	t.Parallel()

	t.Run("eligible user receives checkout", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()
		sub := f.activeSubscription(t, userID, "psub_http_react")

		_, err := f.machine.Apply(context.Background(), sub.ID, billing.RequestCancellation{
			EventID: "evt_cancel", Immediate: true,
		})
		require.NoError(t, err)

		f.provider.On("CreateCheckout", mock.Anything, mock.Anything).Return(&billing.CheckoutSession{
			URL:       "https://checkout.example.com/s/react",
			SessionID: "txn_react",
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/packages/"+f.pkg.ID.String()+"/reactivate", nil)
		req.Header.Set("X-User-ID", userID.String())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		var intent billing.ReactivationIntent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))
		require.NotNil(t, intent.Checkout)
		assert.Equal(t, "txn_react", intent.Checkout.SessionID)
	})

	t.Run("blocked by open subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()
		f.activeSubscription(t, userID, "psub_http_react_block")

		req := httptest.NewRequest(http.MethodPost, "/packages/"+f.pkg.ID.String()+"/reactivate", nil)
		req.Header.Set("X-User-ID", userID.String())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandler_Checkout(t *testing.T) {
	t.Parallel()

	t.Run("first purchase", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provider.On("CreateCheckout", mock.Anything, mock.Anything).Return(&billing.CheckoutSession{
			URL:       "https://checkout.example.com/s/new",
			SessionID: "txn_new",
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/packages/"+f.pkg.ID.String()+"/checkout", nil)
		req.Header.Set("X-User-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		var session billing.CheckoutSession
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
		assert.Equal(t, "txn_new", session.SessionID)
	})

	t.Run("duplicate open subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()
		f.activeSubscription(t, userID, "psub_http_dup")

		req := httptest.NewRequest(http.MethodPost, "/packages/"+f.pkg.ID.String()+"/checkout", nil)
		req.Header.Set("X-User-ID", userID.String())
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
