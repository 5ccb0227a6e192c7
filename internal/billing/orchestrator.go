package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ChangePlanOptions carries optional checkout parameters.
type ChangePlanOptions struct {
	Email      string // pre-fill billing email if known
	SuccessURL string
	CancelURL  string
}

// ChangePlanResult is the outcome of a subscribe/upgrade/downgrade intent.
// Exactly one of RedirectURL and Subscription is set: a redirect means the
// hosted checkout must complete before the change takes effect.
type ChangePlanResult struct {
	RedirectURL  string
	Subscription *Subscription
	Message      string
}

// ChangePlan turns a user intent into either a direct local state
// transition or a hosted-checkout redirect, dispatching on the presence of
// a live subscription and the kind of the target plan:
//
//  1. no subscription, trial plan   -> local trialing row, no external call
//  2. no subscription, paid plan    -> pending row + checkout redirect
//  3. trial, paid plan              -> checkout redirect converting in place
//  4. paid, different paid plan     -> synchronous price change, immediate proration
//  5. paid, trial plan              -> rejected
func (s *Service) ChangePlan(ctx context.Context, userID, planID string, opts ChangePlanOptions) (*ChangePlanResult, error) {
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}

	plan, err := s.catalog.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanInactive
	}

	current, err := s.subs.GetLiveByUserID(ctx, uid)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	switch {
	case current == nil && plan.Trial:
		return s.startTrial(ctx, uid, plan)
	case current == nil:
		return s.startCheckout(ctx, uid, plan, opts)
	case current.IsTrialing() && !plan.Trial:
		return s.convertTrial(ctx, uid, current, plan, opts)
	case !plan.Trial:
		return s.switchPaidPlan(ctx, uid, current, plan, opts)
	default:
		// Downgrading a paid subscription to a trial plan is not supported.
		return nil, ErrInvalidTransition
	}
}

// startTrial creates a trial subscription locally. Trial plans consume no
// processor call until converted.
func (s *Service) startTrial(ctx context.Context, userID uuid.UUID, plan Plan) (*ChangePlanResult, error) {
	now := s.now()
	trialEnd := plan.TrialEndsAt(now)
	sub := &Subscription{
		ID:          uuid.New(),
		UserID:      userID,
		PlanID:      plan.ID,
		Status:      StatusTrialing,
		TrialEndsAt: &trialEnd,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}
	return &ChangePlanResult{
		Subscription: sub,
		Message:      fmt.Sprintf("Trial started, ends %s.", trialEnd.Format("2006-01-02")),
	}, nil
}

// startCheckout creates a pending subscription and a hosted checkout
// session. The row stays pending until the webhook reconciler observes
// checkout completion; this path never flips it to active itself.
func (s *Service) startCheckout(ctx context.Context, userID uuid.UUID, plan Plan, opts ChangePlanOptions) (*ChangePlanResult, error) {
	customerID, err := s.ensureCustomer(ctx, userID, opts.Email)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	session, err := s.processor.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		PriceID:            plan.ID,
		ProviderCustomerID: customerID,
		SubscriptionID:     sub.ID.String(),
		UserID:             userID.String(),
		PlanID:             plan.ID,
		SuccessURL:         opts.SuccessURL,
		CancelURL:          opts.CancelURL,
	})
	if err != nil {
		// The pending row is harmless without a session, but cancel it so
		// a retry is not blocked by the one-live-subscription constraint.
		sub.Status = StatusCanceled
		cancelledAt := now
		sub.CancelledAt = &cancelledAt
		if uerr := s.subs.Update(ctx, sub); uerr != nil {
			s.log.ErrorContext(ctx, "failed to roll back pending subscription after checkout failure",
				slog.String("subscription_id", sub.ID.String()), slog.Any("error", uerr))
		}
		return nil, err
	}

	return &ChangePlanResult{
		RedirectURL: session.URL,
		Message:     "Complete checkout to activate your subscription.",
	}, nil
}

// convertTrial sends an existing trial through checkout. On
// processor-reported completion the reconciler transitions the same row,
// not a new one, to active.
func (s *Service) convertTrial(ctx context.Context, userID uuid.UUID, current *Subscription, plan Plan, opts ChangePlanOptions) (*ChangePlanResult, error) {
	result, err := s.checkoutForExisting(ctx, userID, current, plan, opts, true)
	if err != nil {
		return nil, err
	}
	result.Message = "Complete checkout to convert your trial."
	return result, nil
}

// checkoutForExisting opens a checkout session bound to an existing
// subscription row, used both for trial conversion and as the fallback
// when a paid subscription's processor identity cannot be resolved.
func (s *Service) checkoutForExisting(ctx context.Context, userID uuid.UUID, current *Subscription, plan Plan, opts ChangePlanOptions, convertingTrial bool) (*ChangePlanResult, error) {
	customerID, err := s.ensureCustomer(ctx, userID, opts.Email)
	if err != nil {
		return nil, err
	}

	session, err := s.processor.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		PriceID:            plan.ID,
		ProviderCustomerID: customerID,
		SubscriptionID:     current.ID.String(),
		UserID:             userID.String(),
		PlanID:             plan.ID,
		ConvertingTrial:    convertingTrial,
		SuccessURL:         opts.SuccessURL,
		CancelURL:          opts.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	return &ChangePlanResult{
		RedirectURL: session.URL,
		Message:     "Complete checkout to finish the plan change.",
	}, nil
}

// switchPaidPlan changes the plan of an existing paid subscription with
// immediate proration. Proration always happens synchronously with the
// plan-id change, never deferred, to avoid billing drift. The local row is
// updated from the processor response in the same operation instead of
// waiting for the webhook; the webhook path stays idempotent against this
// write arriving first.
func (s *Service) switchPaidPlan(ctx context.Context, userID uuid.UUID, current *Subscription, plan Plan, opts ChangePlanOptions) (*ChangePlanResult, error) {
	if current.PlanID == plan.ID {
		return &ChangePlanResult{Subscription: current, Message: "Already on this plan."}, nil
	}

	providerSubID, err := s.resolveProviderSubID(ctx, userID, current)
	if err != nil {
		return nil, err
	}
	if providerSubID == "" {
		// The processor knows nothing we can adopt. A fresh checkout
		// session beats failing the request.
		return s.checkoutForExisting(ctx, userID, current, plan, opts, false)
	}

	ps, err := s.processor.GetSubscription(ctx, providerSubID)
	if err != nil {
		return nil, err
	}
	if ps.Terminal() {
		return nil, fmt.Errorf("%w: processor subscription %s is %s", ErrExternalRejected, providerSubID, ps.Status)
	}

	updated, err := s.processor.UpdateSubscriptionPrice(ctx, providerSubID, plan.ID)
	if err != nil {
		return nil, err
	}

	// Re-read and mirror under the optimistic lock. The external call above
	// was made without holding it.
	fresh, err := s.subs.Get(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	fresh.PlanID = plan.ID
	if err := fresh.transition(mapProcessorStatus(updated.Status)); err != nil {
		return nil, err
	}
	fresh.ProviderSubID = updated.ID
	fresh.CurrentPeriodStart = updated.CurrentPeriodStart
	fresh.CurrentPeriodEnd = updated.CurrentPeriodEnd
	fresh.ProviderUpdatedAt = updated.UpdatedAt
	fresh.UpdatedAt = s.now()
	if err := s.subs.Update(ctx, fresh); err != nil {
		return nil, err
	}

	return &ChangePlanResult{
		Subscription: fresh,
		Message:      fmt.Sprintf("Plan changed to %s; the prorated difference was invoiced.", plan.Name),
	}, nil
}

// resolveProviderSubID returns the processor-side subscription ID, lazily
// backfilling it from the processor when the local record never learned it
// (e.g. the subscription was created outside the recorded flow). Returns
// empty when the processor has no adoptable subscription either.
func (s *Service) resolveProviderSubID(ctx context.Context, userID uuid.UUID, sub *Subscription) (string, error) {
	if sub.ProviderSubID != "" {
		return sub.ProviderSubID, nil
	}

	c, err := s.customers.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return "", nil
		}
		return "", err
	}

	list, err := s.processor.ListSubscriptions(ctx, c.ProviderCustomerID)
	if err != nil {
		return "", err
	}
	for _, ps := range list {
		if ps.Terminal() {
			continue
		}
		fresh, err := s.subs.Get(ctx, sub.ID)
		if err != nil {
			return "", err
		}
		fresh.ProviderSubID = ps.ID
		fresh.UpdatedAt = s.now()
		if err := s.subs.Update(ctx, fresh); err != nil {
			return "", err
		}
		sub.ProviderSubID = ps.ID
		sub.Version = fresh.Version
		s.log.InfoContext(ctx, "adopted processor subscription",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("provider_sub_id", ps.ID))
		return ps.ID, nil
	}
	return "", nil
}
