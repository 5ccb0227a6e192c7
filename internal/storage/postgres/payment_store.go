package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paymentops/subsync/internal/billing"
)

// PaymentStore implements billing.PaymentStore on PostgreSQL.
type PaymentStore struct {
	pool *pgxpool.Pool
}

func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// Create appends the charge record. ON CONFLICT DO NOTHING on the provider
// payment ID makes duplicate webhook deliveries insert exactly one row.
func (st *PaymentStore) Create(ctx context.Context, p *billing.Payment) (bool, error) {
	tag, err := st.pool.Exec(ctx,
		`INSERT INTO payments (id, subscription_id, provider_payment_id, amount, currency, status, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (provider_payment_id) DO NOTHING`,
		p.ID, p.SubscriptionID, p.ProviderPaymentID,
		p.Amount.Amount, p.Amount.Currency, p.Status, p.OccurredAt, p.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (st *PaymentStore) ListBySubscription(ctx context.Context, subID uuid.UUID) ([]billing.Payment, error) {
	rows, err := st.pool.Query(ctx,
		`SELECT id, subscription_id, provider_payment_id, amount, currency, status, occurred_at, created_at
		 FROM payments WHERE subscription_id = $1 ORDER BY occurred_at`, subID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var p billing.Payment
		if err := rows.Scan(&p.ID, &p.SubscriptionID, &p.ProviderPaymentID,
			&p.Amount.Amount, &p.Amount.Currency, &p.Status, &p.OccurredAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
