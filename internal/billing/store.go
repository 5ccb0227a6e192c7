package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStore persists subscriptions. Implementations enforce two
// constraints at the data-store level rather than in application logic:
// at most one live subscription per user, and optimistic concurrency on
// every update.
type SubscriptionStore interface {
	// Get retrieves a subscription by ID.
	// Returns ErrSubscriptionNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetLiveByUserID returns the user's live (pending/trialing/active)
	// subscription, or ErrSubscriptionNotFound.
	GetLiveByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetByProviderSubID returns the subscription bound to a processor-side
	// subscription ID, or ErrSubscriptionNotFound.
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error)

	// Create inserts a new subscription. Returns ErrSubscriptionExists when
	// the user already holds a live subscription (uniqueness constraint).
	Create(ctx context.Context, sub *Subscription) error

	// Update writes the subscription if and only if its Version still
	// matches the stored row, then increments Version. Returns ErrConflict
	// when the optimistic check fails.
	Update(ctx context.Context, sub *Subscription) error
}

// CustomerStore persists the user to processor-customer mapping.
type CustomerStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*Customer, error)
	GetByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error)

	// Create inserts the mapping. Returns ErrConflict on a duplicate user
	// ID so a concurrent creator can re-read the winner's row.
	Create(ctx context.Context, c *Customer) error
}

// PaymentStore appends processor-reported charges.
type PaymentStore interface {
	// Create inserts the payment unless one with the same
	// ProviderPaymentID already exists. Reports whether a row was inserted.
	Create(ctx context.Context, p *Payment) (inserted bool, err error)

	ListBySubscription(ctx context.Context, subID uuid.UUID) ([]Payment, error)
}

// WebhookEvent is the ledger row recorded for every verified delivery,
// keyed by the processor's event ID for idempotent processing.
type WebhookEvent struct {
	ID              uuid.UUID
	ProviderEventID string
	EventType       string
	Payload         []byte
	ProcessedAt     *time.Time
	ProcessingError string
	CreatedAt       time.Time
}

// EventStore records verified webhook deliveries for deduplication.
type EventStore interface {
	// InsertIfNew records the event unless its ProviderEventID was already
	// seen. Reports whether this delivery is the first.
	InsertIfNew(ctx context.Context, ev *WebhookEvent) (first bool, err error)

	// MarkProcessed stamps the outcome of processing the event. A non-nil
	// procErr is stored for operational follow-up, not retried.
	MarkProcessed(ctx context.Context, id uuid.UUID, procErr error) error
}
