package billing

import "errors"

var (
	// InvalidRequest family: terminal, reported directly to the caller.
	ErrPlanNotFound      = errors.New("billing: plan not found")
	ErrPlanInactive      = errors.New("billing: plan is not available for signup")
	ErrInvalidTransition = errors.New("billing: requested plan change is not supported")

	// Conflict family: retryable by the caller, never auto-retried here.
	ErrSubscriptionExists = errors.New("billing: user already has a live subscription")
	ErrConflict           = errors.New("billing: concurrent modification, retry the request")

	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrCustomerNotFound     = errors.New("billing: billing customer not found")

	// External processor failures. Unavailable covers timeouts, 5xx and
	// network errors; Rejected is a definitive business rejection such as
	// modifying an already-canceled processor subscription.
	ErrExternalUnavailable = errors.New("billing: payment processor unavailable")
	ErrExternalRejected    = errors.New("billing: payment processor rejected the request")

	// ErrUnverified is returned before any state mutation when a webhook
	// delivery fails signature verification.
	ErrUnverified = errors.New("billing: webhook signature verification failed")
)
