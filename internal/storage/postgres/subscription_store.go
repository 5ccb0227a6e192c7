package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paymentops/subsync/internal/billing"
)

// SubscriptionStore implements billing.SubscriptionStore on PostgreSQL.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `id, user_id, plan_id, status, current_period_start, current_period_end,
	trial_ends_at, provider_sub_id, cancel_at_period_end, cancelled_at,
	provider_updated_at, version, created_at, updated_at`

func (st *SubscriptionStore) scanRow(row interface{ Scan(dest ...any) error }) (*billing.Subscription, error) {
	var sub billing.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.TrialEndsAt, &sub.ProviderSubID, &sub.CancelAtPeriodEnd, &sub.CancelledAt,
		&sub.ProviderUpdatedAt, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (st *SubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	return st.scanRow(st.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (st *SubscriptionStore) GetLiveByUserID(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	return st.scanRow(st.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1 AND status IN ('pending', 'trialing', 'active')`, userID))
}

func (st *SubscriptionStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*billing.Subscription, error) {
	if providerSubID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return st.scanRow(st.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_sub_id = $1`, providerSubID))
}

func (st *SubscriptionStore) Create(ctx context.Context, sub *billing.Subscription) error {
	sub.Version = 1
	_, err := st.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.UserID, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialEndsAt, sub.ProviderSubID, sub.CancelAtPeriodEnd, sub.CancelledAt,
		sub.ProviderUpdatedAt, sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return billing.ErrSubscriptionExists
		}
		return err
	}
	return nil
}

// Update performs the optimistic read-modify-write commit: the row is
// written only if its version still matches, and the version advances
// atomically. No external calls ever happen inside this statement.
func (st *SubscriptionStore) Update(ctx context.Context, sub *billing.Subscription) error {
	tag, err := st.pool.Exec(ctx,
		`UPDATE subscriptions SET
			plan_id = $2, status = $3,
			current_period_start = $4, current_period_end = $5,
			trial_ends_at = $6, provider_sub_id = $7,
			cancel_at_period_end = $8, cancelled_at = $9,
			provider_updated_at = $10, updated_at = $11,
			version = version + 1
		 WHERE id = $1 AND version = $12`,
		sub.ID, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialEndsAt, sub.ProviderSubID,
		sub.CancelAtPeriodEnd, sub.CancelledAt,
		sub.ProviderUpdatedAt, sub.UpdatedAt, sub.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrConflict
	}
	sub.Version++
	return nil
}
