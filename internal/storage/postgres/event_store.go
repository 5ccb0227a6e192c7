package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paymentops/subsync/internal/billing"
)

// EventStore implements the webhook event ledger on PostgreSQL. The unique
// provider_event_id index makes at-least-once delivery idempotent: only the
// first insert wins, later deliveries are acknowledged without processing.
type EventStore struct {
	pool *pgxpool.Pool
}

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (st *EventStore) InsertIfNew(ctx context.Context, ev *billing.WebhookEvent) (bool, error) {
	tag, err := st.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, provider_event_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ID, ev.ProviderEventID, ev.EventType, ev.Payload, ev.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (st *EventStore) MarkProcessed(ctx context.Context, id uuid.UUID, procErr error) error {
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	_, err := st.pool.Exec(ctx,
		`UPDATE webhook_events SET processed_at = now(), processing_error = $2 WHERE id = $1`,
		id, errMsg)
	return err
}
