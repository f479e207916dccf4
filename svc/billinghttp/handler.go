package billinghttp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coachly/billing/pkg/billing"
)

// webhookBodyLimit bounds provider payloads; Paddle events are a few KB.
const webhookBodyLimit = 1 << 20

// Handler exposes the billing engine over HTTP: the provider webhook endpoint
// and the user-facing subscription operations.
type Handler struct {
	processor *billing.Processor
	svc       *billing.Service
	provider  billing.BillingProvider
	logger    *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates the billing HTTP handler.
// Panics if any dependency is nil to fail fast during initialization.
func NewHandler(processor *billing.Processor, svc *billing.Service, provider billing.BillingProvider, opts ...HandlerOption) *Handler {
	if processor == nil {
		panic("billinghttp: Processor is required")
	}
	if svc == nil {
		panic("billinghttp: Service is required")
	}
	if provider == nil {
		panic("billinghttp: BillingProvider is required")
	}

	h := &Handler{
		processor: processor,
		svc:       svc,
		provider:  provider,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router mounts all billing routes. The caller is expected to wrap the
// subscription routes with its authentication middleware; the webhook route
// authenticates itself via the provider signature.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/webhooks/billing", h.handleWebhook)

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/{subscriptionID}/cancel", h.handleCancel)
		r.Get("/eligibility", h.handleEligibility)
	})

	r.Route("/packages", func(r chi.Router) {
		r.Post("/{packageID}/checkout", h.handleCheckout)
		r.Post("/{packageID}/reactivate", h.handleReactivate)
	})

	return r
}

// handleWebhook verifies, parses, and ingests one provider event. Unknown
// event types are acknowledged so the provider stops redelivering them;
// transient internal failures return 5xx so the provider retries.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "failed to read request body")
		return
	}

	event, err := h.provider.ParseWebhook(r.Context(), payload, r.Header.Get("Paddle-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrUnknownEventType) {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.WarnContext(r.Context(), "webhook rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid_webhook", "webhook verification failed")
		return
	}

	if err := h.processor.Ingest(r.Context(), *event); err != nil {
		switch {
		case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrUnknownEventType):
			writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		case errors.Is(err, billing.ErrMoneyInvariant):
			// Parked in the dead letter store; acknowledging stops the
			// provider from redelivering an event that can never apply.
			w.WriteHeader(http.StatusOK)
		default:
			writeError(w, http.StatusServiceUnavailable, "ingest_failed", "event could not be processed, retry later")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}
	subscriptionID, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_subscription_id", "subscription ID must be a UUID")
		return
	}

	var body struct {
		Immediate bool   `json:"immediate"`
		Reason    string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
			return
		}
	}

	result, err := h.svc.CancelSubscription(r.Context(), userID, subscriptionID, billing.CancelParams{
		Immediate: body.Immediate,
		Reason:    body.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleEligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}

	results, err := h.svc.ReactivationEligibility(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if results == nil {
		results = []billing.EligibilityResult{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"packages": results})
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}
	packageID, err := uuid.Parse(chi.URLParam(r, "packageID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_package_id", "package ID must be a UUID")
		return
	}

	session, err := h.svc.StartCheckout(r.Context(), userID, packageID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}
	packageID, err := uuid.Parse(chi.URLParam(r, "packageID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_package_id", "package ID must be a UUID")
		return
	}

	intent, err := h.svc.ReactivateSubscription(r.Context(), userID, packageID)
	if err != nil {
		if errors.Is(err, billing.ErrNotEligible) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "not_eligible",
				"eligibility": intent.Eligibility,
			})
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, intent)
}

// requestUserID resolves the authenticated user set by the upstream auth
// middleware. Responds 401 and returns false when absent.
func requestUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid user identity")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound), errors.Is(err, billing.ErrPackageNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, billing.ErrNotSubscriptionOwner):
		writeError(w, http.StatusForbidden, "forbidden", "subscription belongs to another user")
	case errors.Is(err, billing.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, billing.ErrSubscriptionConflict):
		writeError(w, http.StatusConflict, "subscription_conflict", "an open subscription already exists for this package")
	case errors.Is(err, billing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_state", "the subscription state does not permit this operation")
	case errors.Is(err, billing.ErrTrialAlreadyUsed):
		writeError(w, http.StatusConflict, "trial_already_used", "the trial for this package was already used")
	case errors.Is(err, billing.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "billing provider is unavailable, retry later")
	default:
		h.logger.ErrorContext(r.Context(), "billing request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
