package billing

import (
	"context"
	"time"
)

// Processor is the minimal interface to the external payment processor.
// It is an injected, stateless dependency: no package-level SDK instance,
// so tests substitute doubles and callers control per-request timeouts via
// context. Implementations translate transport failures to
// ErrExternalUnavailable and definitive API rejections to
// ErrExternalRejected.
type Processor interface {
	// CreateCustomer creates a processor-side customer tagged with the
	// internal user ID in its metadata for reverse lookup during webhook
	// reconciliation. Returns the processor customer ID.
	CreateCustomer(ctx context.Context, userID string, email string) (string, error)

	// CreateCheckoutSession creates a hosted checkout session and returns
	// its redirect URL.
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)

	// GetSubscription retrieves the processor's view of a subscription.
	GetSubscription(ctx context.Context, providerSubID string) (*ProcessorSubscription, error)

	// UpdateSubscriptionPrice replaces the subscription's price item with
	// immediate proration invoicing: the prorated difference is charged or
	// credited now, never deferred to the next cycle.
	UpdateSubscriptionPrice(ctx context.Context, providerSubID, priceID string) (*ProcessorSubscription, error)

	// CancelSubscription cancels now (immediate) or schedules cancellation
	// at the end of the current billing period.
	CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error

	// ListSubscriptions returns the customer's subscriptions in
	// active/trialing state, used to adopt a processor subscription the
	// local record does not know about.
	ListSubscriptions(ctx context.Context, providerCustomerID string) ([]ProcessorSubscription, error)

	// ParseWebhook verifies the signature computed over the raw body and
	// normalizes the payload. Returns ErrUnverified before looking at the
	// payload when the signature is invalid or missing.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CheckoutSessionRequest carries the data for a hosted checkout session.
// SubscriptionID, UserID and PlanID travel as opaque metadata and come back
// on webhook events so the reconciler can correlate them to local rows.
type CheckoutSessionRequest struct {
	PriceID            string
	ProviderCustomerID string
	SubscriptionID     string
	UserID             string
	PlanID             string
	ConvertingTrial    bool // set when an existing trial row is being converted in place
	SuccessURL         string
	CancelURL          string
}

// CheckoutSession is a hosted checkout redirect.
type CheckoutSession struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// ProcessorSubscription is the processor's view of a subscription.
type ProcessorSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	UpdatedAt          time.Time
}

// Terminal reports whether the processor-side subscription can no longer
// be modified.
func (ps *ProcessorSubscription) Terminal() bool {
	switch ps.Status {
	case "canceled", "cancelled", "expired":
		return true
	}
	return false
}

// EventType is the normalized billing event class.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
	EventIgnored             EventType = "ignored" // signed but not actionable
)

// Event is a verified, normalized webhook event. Correlating keys are
// whatever the processor supplied; absent ones are empty.
type Event struct {
	ID            string // processor event ID, ledger deduplication key
	Type          EventType
	ProviderEvent string // original processor event name
	OccurredAt    time.Time

	// Correlating keys, most specific first.
	SubscriptionRef string // local subscription ID echoed from checkout metadata
	UserRef         string // local user ID echoed from metadata
	SubscriptionID  string // processor subscription ID
	CustomerID      string // processor customer ID

	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	ConvertingTrial    bool

	// Payment fields, set on payment events only.
	PaymentID string
	Amount    Money

	Raw map[string]any
}
