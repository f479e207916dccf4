package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements BillingProvider on top of the Paddle SDK.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a Paddle-backed billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

// CreateCheckout creates a hosted checkout transaction in Paddle. The user
// and package identities travel in custom data so the completion webhook can
// be tied back to the pending subscription.
func (p *PaddleProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if req.UserID == uuid.Nil {
		return nil, errors.New("user ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id":    req.UserID.String(),
			"package_id": req.PackageID.String(),
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, errors.New("no checkout URL returned from paddle")
	}

	return &CheckoutSession{
		URL:       *transaction.Checkout.URL,
		SessionID: transaction.ID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// CancelSubscription asks Paddle to cancel, either immediately or at the end
// of the current billing period. The definitive state change still arrives
// via webhook.
func (p *PaddleProvider) CancelSubscription(ctx context.Context, externalSubscriptionID string, immediate bool) error {
	if externalSubscriptionID == "" {
		return errors.New("subscription ID is required")
	}

	effective := paddle.EffectiveFromNextBillingPeriod
	if immediate {
		effective = paddle.EffectiveFromImmediately
	}

	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalSubscriptionID,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	if err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}
	return nil
}

// paddleEnvelope is the common shape of every Paddle webhook body.
type paddleEnvelope struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the
// payload into an ExternalEvent.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*ExternalEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, fmt.Errorf("webhook verification error: %w", err)
	}
	if !valid {
		return nil, errors.New("webhook signature verification failed")
	}

	var envelope paddleEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	eventType, ok := mapPaddleEventType(envelope.EventType, envelope.Data)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, envelope.EventType)
	}

	event := &ExternalEvent{
		EventID:    envelope.EventID,
		Type:       eventType,
		OccurredAt: envelope.OccurredAt,
	}

	// Subscription events carry the subscription ID in data.id; transaction
	// events reference it via data.subscription_id.
	if strings.HasPrefix(envelope.EventType, "subscription.") {
		event.SubscriptionExternalID, _ = envelope.Data["id"].(string)
	} else if subID, ok := envelope.Data["subscription_id"].(string); ok {
		event.SubscriptionExternalID = subID
	}

	if customData, ok := envelope.Data["custom_data"].(map[string]any); ok {
		if raw, ok := customData["user_id"].(string); ok {
			if id, err := uuid.Parse(raw); err == nil {
				event.Payload.UserID = id
			}
		}
		if raw, ok := customData["package_id"].(string); ok {
			if id, err := uuid.Parse(raw); err == nil {
				event.Payload.PackageID = id
			}
		}
	}

	extractPaddleBillingFields(envelope, event)

	return event, nil
}

// extractPaddleBillingFields pulls amounts, periods, and reasons out of the
// loosely-typed data map. Missing fields are left unset; the processor treats
// them as optional.
func extractPaddleBillingFields(envelope paddleEnvelope, event *ExternalEvent) {
	if period, ok := envelope.Data["current_billing_period"].(map[string]any); ok {
		if t, ok := parsePaddleTime(period["starts_at"]); ok {
			event.Payload.PeriodStart = &t
		}
		if t, ok := parsePaddleTime(period["ends_at"]); ok {
			event.Payload.PeriodEnd = &t
		}
	}

	if details, ok := envelope.Data["details"].(map[string]any); ok {
		if totals, ok := details["totals"].(map[string]any); ok {
			if raw, ok := totals["grand_total"].(string); ok {
				var amount int64
				if _, err := fmt.Sscanf(raw, "%d", &amount); err == nil {
					event.Payload.Amount = &amount
				}
			}
			event.Payload.Currency, _ = totals["currency_code"].(string)
		}
	}
	if event.Payload.Currency == "" {
		event.Payload.Currency, _ = envelope.Data["currency_code"].(string)
	}

	if reason, ok := envelope.Data["cancellation_reason"].(string); ok {
		event.Payload.Reason = reason
	}

	if items, ok := envelope.Data["items"].([]any); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if price, ok := item["price"].(map[string]any); ok {
				if trial, ok := price["trial_period"].(map[string]any); ok && trial != nil {
					event.Payload.Trial = true
				}
			}
		}
	}
}

func parsePaddleTime(v any) (time.Time, bool) {
	raw, ok := v.(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// mapPaddleEventType maps a Paddle event name onto the engine's normalized
// event types. Unmapped events are ignored at the webhook boundary.
func mapPaddleEventType(paddleEvent string, data map[string]any) (EventType, bool) {
	switch paddleEvent {
	case "subscription.created":
		return EventSubscriptionCreated, true
	case "subscription.activated":
		return EventCheckoutCompleted, true
	case "subscription.canceled":
		return EventSubscriptionCancelled, true
	case "subscription.past_due":
		return EventSubscriptionPaymentFailed, true
	case "transaction.completed":
		// A completed transaction on an existing subscription is a renewal;
		// the first one arrives as subscription.activated instead.
		if _, ok := data["subscription_id"].(string); ok {
			return EventSubscriptionRenewed, true
		}
		return "", false
	case "transaction.payment_failed":
		return EventSubscriptionPaymentFailed, true
	case "adjustment.updated", "adjustment.created":
		if action, ok := data["action"].(string); ok && action == "refund" {
			return EventChargeRefunded, true
		}
		return "", false
	default:
		return "", false
	}
}
