package billing

import (
	"context"
	"log/slog"
	"time"
)

// OpsNotifier flags discrepancies that need manual reconciliation, such as
// a local cancellation that could not be mirrored to the processor. It must
// never fail the calling request.
type OpsNotifier interface {
	Flag(ctx context.Context, subject, detail string)
}

// NoopNotifier discards operational flags. Useful for tests and deployments
// that rely on log scraping alone.
type NoopNotifier struct{}

func (NoopNotifier) Flag(context.Context, string, string) {}

// Service is the subscription billing reconciliation engine. The
// orchestrator and cancellation handler run synchronously inside user
// requests; the webhook reconciler runs on the unauthenticated,
// signature-verified channel. Both mutate the same subscription rows, which
// is why every mutation goes through the store's optimistic version check.
type Service struct {
	catalog   Catalog
	subs      SubscriptionStore
	customers CustomerStore
	payments  PaymentStore
	events    EventStore
	processor Processor
	ops       OpsNotifier
	log       *slog.Logger

	now func() time.Time
}

// Option configures optional Service settings.
type Option func(*Service)

// WithOpsNotifier routes manual-reconciliation flags to the given notifier.
func WithOpsNotifier(n OpsNotifier) Option {
	return func(s *Service) {
		if n != nil {
			s.ops = n
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the billing engine. Panics on nil required
// dependencies to fail fast during initialization.
func NewService(
	catalog Catalog,
	subs SubscriptionStore,
	customers CustomerStore,
	payments PaymentStore,
	events EventStore,
	processor Processor,
	log *slog.Logger,
	opts ...Option,
) *Service {
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	if subs == nil || customers == nil || payments == nil || events == nil {
		panic("billing: all stores are required")
	}
	if processor == nil {
		panic("billing: Processor is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		catalog:   catalog,
		subs:      subs,
		customers: customers,
		payments:  payments,
		events:    events,
		processor: processor,
		ops:       NoopNotifier{},
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListPlans returns the active plan catalog, price ascending.
func (s *Service) ListPlans(ctx context.Context) ([]Plan, error) {
	return s.catalog.ListActive(ctx)
}

// GetSubscription returns the user's live subscription.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	return s.subs.GetLiveByUserID(ctx, uid)
}

// mapProcessorStatus normalizes the processor's status vocabulary onto the
// local lifecycle. Unknown statuses map to the closest safe state.
func mapProcessorStatus(status string) Status {
	switch status {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due", "paused":
		return StatusPastDue
	case "canceled", "cancelled", "expired":
		return StatusCanceled
	default:
		return StatusActive
	}
}
