package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

// Service resolves user-initiated billing operations: cancellation,
// reactivation eligibility, and checkout. It funnels every status change
// through the state machine, so a user action and a concurrently-arriving
// provider webhook for the same subscription are serialized by the same
// per-subscription lock.
type Service struct {
	machine  *Machine
	store    LedgerStore
	provider BillingProvider
	packages PackagesSource
	cfg      Config
	breaker  *gobreaker.CircuitBreaker[any]
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger overrides the default logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates the billing service.
// Panics if required dependencies are nil to fail fast during initialization.
func NewService(machine *Machine, store LedgerStore, provider BillingProvider, packages PackagesSource, cfg Config, opts ...ServiceOption) *Service {
	if machine == nil {
		panic("billing: Machine is required")
	}
	if store == nil {
		panic("billing: LedgerStore is required")
	}
	if provider == nil {
		panic("billing: BillingProvider is required")
	}
	if packages == nil {
		panic("billing: PackagesSource is required")
	}

	s := &Service{
		machine:  machine,
		store:    store,
		provider: provider,
		packages: packages,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "billing-provider",
		Timeout: 30 * time.Second,
	})

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CancelParams describes a user cancellation request.
type CancelParams struct {
	Immediate bool
	Reason    string
}

// CancellationResult tells the caller when access ends.
type CancellationResult struct {
	SubscriptionID  uuid.UUID `json:"subscriptionId"`
	Status          Status    `json:"status"`
	AccessEndsAt    time.Time `json:"accessEndsAt"`
	EndsImmediately bool      `json:"endsImmediately"`

	// PendingProviderConfirmation is set when the provider call failed but
	// the local intent was durably recorded; reconciliation verifies against
	// the provider's authoritative state on the next event or sweep.
	PendingProviderConfirmation bool `json:"pendingProviderConfirmation"`

	Message string `json:"message"`
}

// CancelSubscription cancels on the provider side and applies the local
// transition. The local intent is recorded even when the provider call fails:
// cancellation must never block indefinitely on provider round-trips, and the
// provider's next event or the sweep corrects any divergence.
func (s *Service) CancelSubscription(ctx context.Context, userID, subscriptionID uuid.UUID, params CancelParams) (*CancellationResult, error) {
	if userID == uuid.Nil || subscriptionID == uuid.Nil {
		return nil, ErrValidation
	}

	sub, err := s.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrNotSubscriptionOwner
	}

	providerErr := s.cancelAtProvider(ctx, sub, params.Immediate)

	updated, err := s.machine.Apply(ctx, subscriptionID, RequestCancellation{
		Immediate: params.Immediate,
		Reason:    params.Reason,
	})
	if err != nil {
		// Surfaced as a user error: "already cancelled" and the like.
		return nil, err
	}

	result := &CancellationResult{
		SubscriptionID:              updated.ID,
		Status:                      updated.Status,
		AccessEndsAt:                updated.EndDate,
		EndsImmediately:             params.Immediate,
		PendingProviderConfirmation: providerErr != nil,
	}

	switch {
	case providerErr != nil:
		result.Message = "Cancellation request accepted. It will be confirmed shortly."
	case params.Immediate:
		result.Message = "Your subscription is cancelled and access ends immediately."
	default:
		result.Message = fmt.Sprintf("Your subscription is cancelled. Access continues until %s.",
			updated.EndDate.Format("January 2, 2006"))
	}

	return result, nil
}

// cancelAtProvider calls the provider's cancel API behind a circuit breaker
// and a bounded timeout. Skipped for purchases with no provider subscription.
func (s *Service) cancelAtProvider(ctx context.Context, sub *Subscription, immediate bool) error {
	if sub.ExternalSubscriptionID == "" {
		return nil
	}

	_, err := s.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()
		return nil, s.provider.CancelSubscription(callCtx, sub.ExternalSubscriptionID, immediate)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "provider cancellation failed, local intent recorded for reconciliation",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("external_subscription_id", sub.ExternalSubscriptionID),
			slog.String("error", err.Error()))
	}
	return err
}

// EligibilityResult answers whether a user can reactivate a package.
type EligibilityResult struct {
	PackageID      uuid.UUID `json:"packageId"`
	CanReactivate  bool      `json:"canReactivate"`
	TrialEligible  bool      `json:"trialEligible"`
	BlockingStatus Status    `json:"blockingStatus,omitempty"` // set when an open subscription blocks reactivation
	Reason         string    `json:"reason,omitempty"`
}

// CheckReactivationEligibility evaluates one user/package pair against the
// full subscription history: an open subscription blocks reactivation, and at
// least one terminal row must exist for there to be anything to reactivate.
func (s *Service) CheckReactivationEligibility(ctx context.Context, userID, packageID uuid.UUID) (*EligibilityResult, error) {
	if userID == uuid.Nil || packageID == uuid.Nil {
		return nil, ErrValidation
	}

	rows, err := s.store.ListByUserPackage(ctx, userID, packageID)
	if err != nil {
		return nil, err
	}

	result := &EligibilityResult{
		PackageID:     packageID,
		TrialEligible: true,
	}

	hasTerminal := false
	for _, row := range rows {
		if row.IsTrialActive {
			result.TrialEligible = false
		}
		if row.Status.IsOpen() {
			result.BlockingStatus = row.Status
		}
		if row.Status.IsTerminal() {
			hasTerminal = true
		}
	}

	switch {
	case result.BlockingStatus != "":
		result.Reason = "an existing subscription for this package must be managed first"
	case !hasTerminal:
		result.Reason = "no previous subscription for this package"
	default:
		result.CanReactivate = true
	}

	return result, nil
}

// ReactivationEligibility returns one eligibility entry per package the user
// has ever subscribed to.
func (s *Service) ReactivationEligibility(ctx context.Context, userID uuid.UUID) ([]EligibilityResult, error) {
	if userID == uuid.Nil {
		return nil, ErrValidation
	}

	rows, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var results []EligibilityResult
	for _, row := range rows {
		if seen[row.PackageID] {
			continue
		}
		seen[row.PackageID] = true

		res, err := s.CheckReactivationEligibility(ctx, userID, row.PackageID)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}

	return results, nil
}

// ReactivationIntent is the answer to a reactivation request. The new
// subscription itself is created by the subsequent checkout-completed event,
// never by this call.
type ReactivationIntent struct {
	Eligibility  EligibilityResult `json:"eligibility"`
	TrialApplies bool              `json:"trialApplies"`
	Checkout     *CheckoutSession  `json:"checkout,omitempty"`
}

// ReactivateSubscription resolves eligibility and, when eligible, opens a
// provider checkout for the package.
func (s *Service) ReactivateSubscription(ctx context.Context, userID, packageID uuid.UUID) (*ReactivationIntent, error) {
	eligibility, err := s.CheckReactivationEligibility(ctx, userID, packageID)
	if err != nil {
		return nil, err
	}

	intent := &ReactivationIntent{Eligibility: *eligibility}
	if !eligibility.CanReactivate {
		return intent, ErrNotEligible
	}

	pkg, err := s.packages.Get(ctx, packageID)
	if err != nil {
		return nil, err
	}
	intent.TrialApplies = eligibility.TrialEligible && pkg.HasTrial()

	session, err := s.createCheckout(ctx, userID, pkg)
	if err != nil {
		return nil, err
	}
	intent.Checkout = session

	return intent, nil
}

// StartCheckout opens a checkout session for a first-time purchase, rejecting
// it up front when an open subscription already exists for the package.
func (s *Service) StartCheckout(ctx context.Context, userID, packageID uuid.UUID) (*CheckoutSession, error) {
	if userID == uuid.Nil || packageID == uuid.Nil {
		return nil, ErrValidation
	}

	rows, err := s.store.ListByUserPackage(ctx, userID, packageID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Status.IsOpen() {
			return nil, ErrSubscriptionConflict
		}
	}

	pkg, err := s.packages.Get(ctx, packageID)
	if err != nil {
		return nil, err
	}

	return s.createCheckout(ctx, userID, pkg)
}

func (s *Service) createCheckout(ctx context.Context, userID uuid.UUID, pkg *PackageTemplate) (*CheckoutSession, error) {
	session, err := s.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()
		return s.provider.CreateCheckout(callCtx, CheckoutRequest{
			UserID:    userID,
			PackageID: pkg.ID,
			PriceID:   pkg.ID.String(),
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Join(ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return session.(*CheckoutSession), nil
}
