package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paymentops/subsync/internal/billing"
)

// CustomerStore implements billing.CustomerStore on PostgreSQL.
type CustomerStore struct {
	pool *pgxpool.Pool
}

func NewCustomerStore(pool *pgxpool.Pool) *CustomerStore {
	return &CustomerStore{pool: pool}
}

func (st *CustomerStore) Get(ctx context.Context, userID uuid.UUID) (*billing.Customer, error) {
	var c billing.Customer
	err := st.pool.QueryRow(ctx,
		`SELECT user_id, provider_customer_id, email, created_at
		 FROM billing_customers WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.ProviderCustomerID, &c.Email, &c.CreatedAt)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (st *CustomerStore) GetByProviderID(ctx context.Context, providerCustomerID string) (*billing.Customer, error) {
	var c billing.Customer
	err := st.pool.QueryRow(ctx,
		`SELECT user_id, provider_customer_id, email, created_at
		 FROM billing_customers WHERE provider_customer_id = $1`, providerCustomerID,
	).Scan(&c.UserID, &c.ProviderCustomerID, &c.Email, &c.CreatedAt)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Create inserts the mapping; a duplicate user_id surfaces as ErrConflict
// so the binder can re-read the winner of a creation race.
func (st *CustomerStore) Create(ctx context.Context, c *billing.Customer) error {
	_, err := st.pool.Exec(ctx,
		`INSERT INTO billing_customers (user_id, provider_customer_id, email, created_at)
		 VALUES ($1, $2, $3, $4)`,
		c.UserID, c.ProviderCustomerID, c.Email, c.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return billing.ErrConflict
		}
		return err
	}
	return nil
}
