package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
)

// PaddleConfig holds configuration for the Paddle processor.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProcessor implements Processor against the Paddle API. It holds no
// mutable state beyond the SDK client; construct one per configuration and
// inject it where needed.
type PaddleProcessor struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProcessor creates a Paddle-backed processor client.
func NewPaddleProcessor(cfg PaddleConfig) (*PaddleProcessor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("billing: paddle API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("billing: paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("billing: invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("billing: failed to create paddle client: %w", err)
	}

	return &PaddleProcessor{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
	}, nil
}

// translateErr maps SDK failures onto the engine's error taxonomy. A typed
// API error is a definitive rejection; anything else (timeouts, network,
// 5xx surfaced as transport errors) is unavailability.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *paddleerr.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrExternalRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
}

func (p *PaddleProcessor) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	customer, err := p.client.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: email,
		CustomData: paddle.CustomData{
			"user_id": userID,
		},
	})
	if err != nil {
		return "", translateErr(err)
	}
	return customer.ID, nil
}

func (p *PaddleProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, errors.New("billing: price ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	customData := paddle.CustomData{
		"subscription_id": req.SubscriptionID,
		"user_id":         req.UserID,
		"plan_id":         req.PlanID,
	}
	if req.ConvertingTrial {
		customData["converting_trial"] = "true"
	}

	txReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: customData,
	}
	if req.ProviderCustomerID != "" {
		txReq.CustomerID = paddle.PtrTo(req.ProviderCustomerID)
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	tx, err := p.client.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, translateErr(err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return nil, fmt.Errorf("%w: no checkout URL returned", ErrExternalRejected)
	}

	return &CheckoutSession{
		URL:       *tx.Checkout.URL,
		SessionID: tx.ID,
		// Paddle checkout links expire after 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *PaddleProcessor) GetSubscription(ctx context.Context, providerSubID string) (*ProcessorSubscription, error) {
	sub, err := p.client.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: providerSubID,
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return fromPaddleSubscription(sub), nil
}

func (p *PaddleProcessor) UpdateSubscriptionPrice(ctx context.Context, providerSubID, priceID string) (*ProcessorSubscription, error) {
	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	sub, err := p.client.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID: providerSubID,
		Items:          paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		// The prorated difference is invoiced now, not at the next cycle.
		ProrationBillingMode: paddle.NewPatchField(paddle.ProrationBillingModeProratedImmediately),
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return fromPaddleSubscription(sub), nil
}

func (p *PaddleProcessor) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	effective := paddle.EffectiveFromNextBillingPeriod
	if immediate {
		effective = paddle.EffectiveFromImmediately
	}
	_, err := p.client.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: providerSubID,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	return translateErr(err)
}

func (p *PaddleProcessor) ListSubscriptions(ctx context.Context, providerCustomerID string) ([]ProcessorSubscription, error) {
	res, err := p.client.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{providerCustomerID},
		Status:     []string{"active", "trialing"},
	})
	if err != nil {
		return nil, translateErr(err)
	}

	var out []ProcessorSubscription
	err = res.Iter(ctx, func(sub *paddle.Subscription) (bool, error) {
		out = append(out, *fromPaddleSubscription(sub))
		return true, nil
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func fromPaddleSubscription(sub *paddle.Subscription) *ProcessorSubscription {
	ps := &ProcessorSubscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     string(sub.Status),
		UpdatedAt:  parsePaddleTime(sub.UpdatedAt),
	}
	if len(sub.Items) > 0 {
		ps.PriceID = sub.Items[0].Price.ID
	}
	if sub.CurrentBillingPeriod != nil {
		if t := parsePaddleTime(sub.CurrentBillingPeriod.StartsAt); !t.IsZero() {
			ps.CurrentPeriodStart = &t
		}
		if t := parsePaddleTime(sub.CurrentBillingPeriod.EndsAt); !t.IsZero() {
			ps.CurrentPeriodEnd = &t
		}
	}
	return ps
}

// ParseWebhook verifies the Paddle-Signature header over the raw body and
// normalizes the payload into an Event. Verification happens before the
// body is parsed.
func (p *PaddleProcessor) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil || !valid {
		return nil, ErrUnverified
	}

	var raw struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("billing: malformed webhook payload: %w", err)
	}

	event := &Event{
		ID:            raw.EventID,
		Type:          mapPaddleEventType(raw.EventType),
		ProviderEvent: raw.EventType,
		OccurredAt:    parsePaddleTime(raw.OccurredAt),
		Raw:           raw.Data,
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data := raw.Data
	if custom, ok := data["custom_data"].(map[string]any); ok {
		event.SubscriptionRef, _ = custom["subscription_id"].(string)
		event.UserRef, _ = custom["user_id"].(string)
		if v, ok := custom["converting_trial"].(string); ok && v == "true" {
			event.ConvertingTrial = true
		}
	}
	event.Status, _ = data["status"].(string)
	event.CustomerID, _ = data["customer_id"].(string)

	switch {
	case strings.HasPrefix(raw.EventType, "subscription."):
		event.SubscriptionID, _ = data["id"].(string)
		if period, ok := data["current_billing_period"].(map[string]any); ok {
			if t := parsePaddleTimeAny(period["starts_at"]); !t.IsZero() {
				event.CurrentPeriodStart = &t
			}
			if t := parsePaddleTimeAny(period["ends_at"]); !t.IsZero() {
				event.CurrentPeriodEnd = &t
			}
		}
		if items, ok := data["items"].([]any); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				if price, ok := item["price"].(map[string]any); ok {
					event.PriceID, _ = price["id"].(string)
				}
			}
		}
	case strings.HasPrefix(raw.EventType, "transaction."):
		event.PaymentID, _ = data["id"].(string)
		event.SubscriptionID, _ = data["subscription_id"].(string)
		if items, ok := data["items"].([]any); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				if priceID, ok := item["price_id"].(string); ok {
					event.PriceID = priceID
				} else if price, ok := item["price"].(map[string]any); ok {
					event.PriceID, _ = price["id"].(string)
				}
			}
		}
		if details, ok := data["details"].(map[string]any); ok {
			if totals, ok := details["totals"].(map[string]any); ok {
				if total, ok := totals["total"].(string); ok {
					if amount, err := strconv.ParseInt(total, 10, 64); err == nil {
						event.Amount.Amount = amount
					}
				}
				event.Amount.Currency, _ = totals["currency_code"].(string)
			}
		}
	}

	return event, nil
}

func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "transaction.completed":
		return EventCheckoutCompleted
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.updated":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	case "transaction.payment_succeeded":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	default:
		return EventIgnored
	}
}

func parsePaddleTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parsePaddleTimeAny(v any) time.Time {
	s, _ := v.(string)
	return parsePaddleTime(s)
}
