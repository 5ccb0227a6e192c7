package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// conflictRetries bounds re-application of a webhook effect that lost the
// optimistic-lock race against a concurrent user request. The ledger marks
// the event processed either way, so giving up would lose it for good.
const conflictRetries = 3

// HandleWebhook verifies and idempotently applies an asynchronous processor
// event. Events arrive at least once, out of order, and with duplicates.
//
// Only signature failure is surfaced (ErrUnverified -> 4xx). Everything
// after verification is logged and swallowed so the transport always
// acknowledges the delivery: the processor cannot usefully react to a 5xx
// beyond retrying indefinitely.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.processor.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrUnverified) {
			return err
		}
		// Signed but malformed: acknowledge without mutation.
		s.log.WarnContext(ctx, "unparseable webhook payload acknowledged", slog.Any("error", err))
		return nil
	}
	if event.Type == EventIgnored {
		return nil
	}

	ledgerRow := &WebhookEvent{
		ID:              uuid.New(),
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Payload:         payload,
		CreatedAt:       s.now(),
	}
	first, err := s.events.InsertIfNew(ctx, ledgerRow)
	if err != nil {
		s.log.ErrorContext(ctx, "webhook ledger write failed", slog.String("event_id", event.ID), slog.Any("error", err))
		return nil
	}
	if !first {
		s.log.DebugContext(ctx, "duplicate webhook delivery acknowledged", slog.String("event_id", event.ID))
		return nil
	}

	procErr := s.applyEvent(ctx, event)
	if procErr != nil {
		s.log.ErrorContext(ctx, "webhook event processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.Any("error", procErr))
	}
	if err := s.events.MarkProcessed(ctx, ledgerRow.ID, procErr); err != nil {
		s.log.ErrorContext(ctx, "failed to mark webhook event processed", slog.String("event_id", event.ID), slog.Any("error", err))
	}
	return nil
}

// applyEvent correlates the event to a local subscription and applies its
// effect. An event that matches no local row is acknowledged and ignored,
// never treated as an error.
func (s *Service) applyEvent(ctx context.Context, event *Event) error {
	sub, err := s.correlate(ctx, event)
	if err != nil {
		return err
	}
	if sub == nil {
		s.log.InfoContext(ctx, "webhook event matches no local subscription, ignoring",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("provider_sub_id", event.SubscriptionID))
		return nil
	}

	for attempt := 0; ; attempt++ {
		fresh, err := s.subs.Get(ctx, sub.ID)
		if err != nil {
			return err
		}

		var effect error
		switch event.Type {
		case EventCheckoutCompleted, EventSubscriptionCreated:
			effect = s.applyActivation(ctx, fresh, event)
		case EventSubscriptionUpdated:
			effect = s.applyUpdate(ctx, fresh, event)
		case EventSubscriptionDeleted:
			effect = s.applyDeletion(ctx, fresh, event)
		case EventPaymentSucceeded:
			effect = s.applyPayment(ctx, fresh, event, PaymentSucceeded)
		case EventPaymentFailed:
			effect = s.applyPayment(ctx, fresh, event, PaymentFailed)
		default:
			return nil
		}

		if errors.Is(effect, ErrConflict) {
			if attempt < conflictRetries {
				continue
			}
			// The ledger already counts this delivery as seen, so the
			// effect will not be retried by redelivery. Escalate for
			// manual reconciliation instead of losing it silently.
			s.ops.Flag(ctx, "webhook effect dropped after conflict retries",
				fmt.Sprintf("event %s (%s) on subscription %s lost %d optimistic-lock races; apply manually",
					event.ID, event.Type, sub.ID, attempt+1))
		}
		return effect
	}
}

// correlate resolves the local subscription by the keys the event supplies:
// local subscription ref (checkout metadata, the only key that can bind a
// pending row), then user ref, then processor subscription ID, then
// processor customer ID.
func (s *Service) correlate(ctx context.Context, event *Event) (*Subscription, error) {
	if event.SubscriptionRef != "" {
		if id, err := uuid.Parse(event.SubscriptionRef); err == nil {
			sub, err := s.subs.Get(ctx, id)
			if err == nil {
				return sub, nil
			}
			if !errors.Is(err, ErrSubscriptionNotFound) {
				return nil, err
			}
		}
	}
	if event.UserRef != "" {
		if uid, err := uuid.Parse(event.UserRef); err == nil {
			sub, err := s.subs.GetLiveByUserID(ctx, uid)
			if err == nil {
				return sub, nil
			}
			if !errors.Is(err, ErrSubscriptionNotFound) {
				return nil, err
			}
		}
	}
	if event.SubscriptionID != "" {
		sub, err := s.subs.GetByProviderSubID(ctx, event.SubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	if event.CustomerID != "" {
		c, err := s.customers.GetByProviderID(ctx, event.CustomerID)
		if err != nil {
			if errors.Is(err, ErrCustomerNotFound) {
				return nil, nil
			}
			return nil, err
		}
		sub, err := s.subs.GetLiveByUserID(ctx, c.UserID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// applyActivation binds processor identities to the local row and marks it
// active. Handles both checkout completion and the processor's own
// subscription-created event, which duplicate each other defensively.
func (s *Service) applyActivation(ctx context.Context, sub *Subscription, event *Event) error {
	if event.SubscriptionID != "" {
		sub.ProviderSubID = event.SubscriptionID
	}
	if event.PriceID != "" {
		if _, err := s.catalog.Get(ctx, event.PriceID); err == nil {
			sub.PlanID = event.PriceID
		}
	}
	if err := sub.transition(StatusActive); err != nil {
		// A canceled row stays canceled; log and keep the binding write.
		s.log.WarnContext(ctx, "activation event ignored by lifecycle",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("status", string(sub.Status)))
	}
	if event.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = event.CurrentPeriodStart
	}
	if event.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = event.CurrentPeriodEnd
	}
	if event.OccurredAt.After(sub.ProviderUpdatedAt) {
		sub.ProviderUpdatedAt = event.OccurredAt
	}
	sub.UpdatedAt = s.now()
	return s.subs.Update(ctx, sub)
}

// applyUpdate mirrors reported status and period fields. The revision guard
// keeps a stale delivery from regressing fields set by a newer
// user-initiated synchronous write.
func (s *Service) applyUpdate(ctx context.Context, sub *Subscription, event *Event) error {
	if !event.OccurredAt.After(sub.ProviderUpdatedAt) {
		s.log.InfoContext(ctx, "stale subscription update skipped",
			slog.String("subscription_id", sub.ID.String()),
			slog.Time("event_occurred_at", event.OccurredAt),
			slog.Time("applied_revision", sub.ProviderUpdatedAt))
		return nil
	}

	if event.SubscriptionID != "" {
		sub.ProviderSubID = event.SubscriptionID
	}
	if event.PriceID != "" {
		if _, err := s.catalog.Get(ctx, event.PriceID); err == nil {
			sub.PlanID = event.PriceID
		}
	}
	if event.Status != "" {
		target := mapProcessorStatus(event.Status)
		if err := sub.transition(target); err != nil {
			s.log.WarnContext(ctx, "reported status ignored by lifecycle",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("from", string(sub.Status)),
				slog.String("to", string(target)))
		} else if target == StatusCanceled && sub.CancelledAt == nil {
			at := event.OccurredAt
			sub.CancelledAt = &at
		}
	}
	if event.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = event.CurrentPeriodStart
	}
	if event.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = event.CurrentPeriodEnd
	}
	sub.ProviderUpdatedAt = event.OccurredAt
	sub.UpdatedAt = s.now()
	return s.subs.Update(ctx, sub)
}

func (s *Service) applyDeletion(ctx context.Context, sub *Subscription, event *Event) error {
	if sub.IsCanceled() {
		return nil
	}
	if err := sub.transition(StatusCanceled); err != nil {
		return err
	}
	at := event.OccurredAt
	sub.CancelledAt = &at
	sub.CancelAtPeriodEnd = false
	if event.OccurredAt.After(sub.ProviderUpdatedAt) {
		sub.ProviderUpdatedAt = event.OccurredAt
	}
	sub.UpdatedAt = s.now()
	return s.subs.Update(ctx, sub)
}

// applyPayment appends the charge record and mirrors the resulting status.
// The payment insert deduplicates on the processor payment ID, so a
// redelivered event leaves exactly one Payment row.
func (s *Service) applyPayment(ctx context.Context, sub *Subscription, event *Event, status PaymentStatus) error {
	if event.PaymentID != "" {
		// A previous attempt of this delivery may have inserted the row
		// before losing the optimistic-lock race; Create deduplicates on
		// the processor payment ID and the status write below is an
		// idempotent set either way.
		_, err := s.payments.Create(ctx, &Payment{
			ID:                uuid.New(),
			SubscriptionID:    sub.ID,
			ProviderPaymentID: event.PaymentID,
			Amount:            event.Amount,
			Status:            status,
			OccurredAt:        event.OccurredAt,
			CreatedAt:         s.now(),
		})
		if err != nil {
			return err
		}
	}

	target := StatusActive
	if status == PaymentFailed {
		target = StatusPastDue
	}
	if err := sub.transition(target); err != nil {
		// Payment reported against a terminal row: keep the record, skip
		// the status change.
		s.log.WarnContext(ctx, "payment status ignored by lifecycle",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("from", string(sub.Status)),
			slog.String("to", string(target)))
		return nil
	}
	sub.UpdatedAt = s.now()
	return s.subs.Update(ctx, sub)
}
