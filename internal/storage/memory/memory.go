// Package memory provides mutex-guarded in-memory implementations of the
// billing store interfaces. They mirror the postgres stores' constraint
// behavior (live-subscription uniqueness, optimistic versioning, event and
// payment deduplication) so concurrency properties can be tested without a
// database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paymentops/subsync/internal/billing"
)

// SubscriptionStore is an in-memory billing.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*billing.Subscription
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{rows: make(map[uuid.UUID]*billing.Subscription)}
}

func cloneSub(s *billing.Subscription) *billing.Subscription {
	cp := *s
	return &cp
}

func (st *SubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	row, ok := st.rows[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return cloneSub(row), nil
}

func (st *SubscriptionStore) GetLiveByUserID(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, row := range st.rows {
		if row.UserID == userID && row.IsLive() {
			return cloneSub(row), nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (st *SubscriptionStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*billing.Subscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, row := range st.rows {
		if row.ProviderSubID != "" && row.ProviderSubID == providerSubID {
			return cloneSub(row), nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (st *SubscriptionStore) Create(ctx context.Context, sub *billing.Subscription) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sub.IsLive() {
		for _, row := range st.rows {
			if row.UserID == sub.UserID && row.IsLive() {
				return billing.ErrSubscriptionExists
			}
		}
	}
	sub.Version = 1
	st.rows[sub.ID] = cloneSub(sub)
	return nil
}

func (st *SubscriptionStore) Update(ctx context.Context, sub *billing.Subscription) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	row, ok := st.rows[sub.ID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if row.Version != sub.Version {
		return billing.ErrConflict
	}
	sub.Version++
	st.rows[sub.ID] = cloneSub(sub)
	return nil
}

// CustomerStore is an in-memory billing.CustomerStore.
type CustomerStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*billing.Customer
}

func NewCustomerStore() *CustomerStore {
	return &CustomerStore{rows: make(map[uuid.UUID]*billing.Customer)}
}

func (st *CustomerStore) Get(ctx context.Context, userID uuid.UUID) (*billing.Customer, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	row, ok := st.rows[userID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	cp := *row
	return &cp, nil
}

func (st *CustomerStore) GetByProviderID(ctx context.Context, providerCustomerID string) (*billing.Customer, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, row := range st.rows {
		if row.ProviderCustomerID == providerCustomerID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (st *CustomerStore) Create(ctx context.Context, c *billing.Customer) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.rows[c.UserID]; ok {
		return billing.ErrConflict
	}
	cp := *c
	st.rows[c.UserID] = &cp
	return nil
}

// PaymentStore is an in-memory billing.PaymentStore.
type PaymentStore struct {
	mu     sync.Mutex
	rows   []billing.Payment
	byProv map[string]struct{}
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{byProv: make(map[string]struct{})}
}

func (st *PaymentStore) Create(ctx context.Context, p *billing.Payment) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if p.ProviderPaymentID != "" {
		if _, seen := st.byProv[p.ProviderPaymentID]; seen {
			return false, nil
		}
		st.byProv[p.ProviderPaymentID] = struct{}{}
	}
	st.rows = append(st.rows, *p)
	return true, nil
}

func (st *PaymentStore) ListBySubscription(ctx context.Context, subID uuid.UUID) ([]billing.Payment, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []billing.Payment
	for _, p := range st.rows {
		if p.SubscriptionID == subID {
			out = append(out, p)
		}
	}
	return out, nil
}

// EventStore is an in-memory billing.EventStore.
type EventStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*billing.WebhookEvent
	byProv map[string]uuid.UUID
}

func NewEventStore() *EventStore {
	return &EventStore{
		rows:   make(map[uuid.UUID]*billing.WebhookEvent),
		byProv: make(map[string]uuid.UUID),
	}
}

func (st *EventStore) InsertIfNew(ctx context.Context, ev *billing.WebhookEvent) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, seen := st.byProv[ev.ProviderEventID]; seen {
		return false, nil
	}
	cp := *ev
	st.rows[ev.ID] = &cp
	st.byProv[ev.ProviderEventID] = ev.ID
	return true, nil
}

func (st *EventStore) MarkProcessed(ctx context.Context, id uuid.UUID, procErr error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	row, ok := st.rows[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	row.ProcessedAt = &now
	if procErr != nil {
		row.ProcessingError = procErr.Error()
	}
	return nil
}
