package billing

import (
	"context"
	"fmt"
	"log/slog"
)

// Cancel applies an immediate or end-of-period cancellation.
//
// The processor-side cancel is attempted first, but its failure does not
// abort the local write: the local record commits optimistically and the
// discrepancy is flagged for manual reconciliation. This is the one
// documented exception to abort-on-external-failure. The user-facing
// contract is "your cancellation request has been recorded", and the
// webhook reconciler remains the final source of truth.
func (s *Service) Cancel(ctx context.Context, userID, subscriptionID string, immediate bool) (*Subscription, error) {
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	sid, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if sub.UserID != uid {
		// Not owned by the caller; indistinguishable from absent.
		return nil, ErrSubscriptionNotFound
	}
	if sub.IsCanceled() {
		return sub, nil
	}

	// An unbilled trial never reached the processor: pure local transition.
	if sub.IsTrialing() && sub.ProviderSubID == "" {
		return s.writeCancellation(ctx, sub, true)
	}

	providerSubID, err := s.resolveProviderSubID(ctx, uid, sub)
	if err != nil {
		return nil, err
	}

	if providerSubID != "" {
		if err := s.processor.CancelSubscription(ctx, providerSubID, immediate); err != nil {
			s.log.ErrorContext(ctx, "processor cancellation failed, committing local cancellation anyway",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("provider_sub_id", providerSubID),
				slog.Bool("immediate", immediate),
				slog.Any("error", err))
			s.ops.Flag(ctx, "processor cancellation failed",
				fmt.Sprintf("subscription %s (processor %s): local cancellation recorded, processor cancel failed: %v",
					sub.ID, providerSubID, err))
		}
	} else {
		s.ops.Flag(ctx, "cancellation without processor subscription",
			fmt.Sprintf("subscription %s: no processor subscription could be resolved for cancellation", sub.ID))
	}

	return s.writeCancellation(ctx, sub, immediate)
}

func (s *Service) writeCancellation(ctx context.Context, sub *Subscription, immediate bool) (*Subscription, error) {
	now := s.now()
	if immediate {
		if err := sub.transition(StatusCanceled); err != nil {
			return nil, err
		}
		sub.CancelledAt = &now
		sub.CancelAtPeriodEnd = false
	} else {
		// Status stays as-is until the period actually ends; the webhook
		// reports the terminal transition later.
		sub.CancelAtPeriodEnd = true
	}
	sub.UpdatedAt = now
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
