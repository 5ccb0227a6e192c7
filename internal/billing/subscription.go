package billing

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the authoritative local state of a subscription.
type Status string

const (
	// StatusPending is a paid signup awaiting checkout completion. Only the
	// webhook reconciler moves a subscription out of pending.
	StatusPending  Status = "pending"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription is the local record of a user's subscription. It is created
// once per subscribe intent, mutated by the orchestrator, the cancellation
// handler and the webhook reconciler, and never hard-deleted.
type Subscription struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	PlanID string    `json:"plan_id"`
	Status Status    `json:"status"`

	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"` // set only when originated from a trial plan

	// ProviderSubID is the processor-side subscription identity, discovered
	// lazily. Empty only while the subscription is an unbilled trial.
	ProviderSubID string `json:"provider_sub_id,omitempty"`

	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`

	// ProviderUpdatedAt is the most recent processor-side revision applied
	// to this row. Webhook updates carrying an older revision are skipped
	// so they cannot regress a user-initiated synchronous write.
	ProviderUpdatedAt time.Time `json:"-"`

	// Version guards every read-modify-write with optimistic concurrency.
	// Stores reject an update whose Version no longer matches the row.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLive reports whether the subscription counts against the
// one-live-subscription-per-user invariant.
func (s *Subscription) IsLive() bool {
	switch s.Status {
	case StatusPending, StatusTrialing, StatusActive:
		return true
	}
	return false
}

func (s *Subscription) IsTrialing() bool { return s.Status == StatusTrialing }
func (s *Subscription) IsActive() bool   { return s.Status == StatusActive }
func (s *Subscription) IsCanceled() bool { return s.Status == StatusCanceled }

// Customer maps an internal user to the processor-side customer identity.
// Created on first paid interaction, never deleted, never duplicated.
type Customer struct {
	UserID             uuid.UUID
	ProviderCustomerID string
	Email              string
	CreatedAt          time.Time
}

// PaymentStatus is the outcome of a processor-reported charge.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is an append-only record of a completed or failed charge.
// Written only by webhook events, never by the orchestrator.
type Payment struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	// ProviderPaymentID deduplicates redelivered payment events; stores
	// enforce uniqueness on it.
	ProviderPaymentID string
	Amount            Money
	Status            PaymentStatus
	OccurredAt        time.Time
	CreatedAt         time.Time
}
