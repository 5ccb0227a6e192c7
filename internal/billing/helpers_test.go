package billing_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/paymentops/subsync/internal/billing"
	"github.com/paymentops/subsync/internal/storage/memory"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	args := m.Called(ctx, userID, email)
	return args.String(0), args.Error(1)
}

func (m *mockProcessor) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProcessor) GetSubscription(ctx context.Context, providerSubID string) (*billing.ProcessorSubscription, error) {
	args := m.Called(ctx, providerSubID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProcessorSubscription), args.Error(1)
}

func (m *mockProcessor) UpdateSubscriptionPrice(ctx context.Context, providerSubID, priceID string) (*billing.ProcessorSubscription, error) {
	args := m.Called(ctx, providerSubID, priceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProcessorSubscription), args.Error(1)
}

func (m *mockProcessor) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	args := m.Called(ctx, providerSubID, immediate)
	return args.Error(0)
}

func (m *mockProcessor) ListSubscriptions(ctx context.Context, providerCustomerID string) ([]billing.ProcessorSubscription, error) {
	args := m.Called(ctx, providerCustomerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billing.ProcessorSubscription), args.Error(1)
}

func (m *mockProcessor) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

// testNow is the fixed clock every test service runs on.
var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testPlans() []billing.Plan {
	return []billing.Plan{
		{
			ID:        "pri_trial",
			Name:      "Trial",
			Trial:     true,
			TrialDays: 14,
			Active:    true,
		},
		{
			ID:                  "pri_basic",
			Name:                "Basic",
			Price:               billing.Money{Amount: 1500, Currency: "USD"},
			BillingPeriodMonths: 1,
			Active:              true,
		},
		{
			ID:                  "pri_pro",
			Name:                "Pro",
			Price:               billing.Money{Amount: 3900, Currency: "USD"},
			BillingPeriodMonths: 1,
			Active:              true,
		},
		{
			ID:                  "pri_legacy",
			Name:                "Legacy",
			Price:               billing.Money{Amount: 900, Currency: "USD"},
			BillingPeriodMonths: 1,
			Active:              false,
		},
	}
}

type testEnv struct {
	svc       *billing.Service
	subs      *memory.SubscriptionStore
	customers *memory.CustomerStore
	payments  *memory.PaymentStore
	events    *memory.EventStore
	processor *mockProcessor
}

func newTestEnv(t *testing.T, opts ...billing.Option) *testEnv {
	t.Helper()

	env := &testEnv{
		subs:      memory.NewSubscriptionStore(),
		customers: memory.NewCustomerStore(),
		payments:  memory.NewPaymentStore(),
		events:    memory.NewEventStore(),
		processor: &mockProcessor{},
	}

	allOpts := append([]billing.Option{
		billing.WithClock(func() time.Time { return testNow }),
	}, opts...)

	env.svc = billing.NewService(
		billing.NewInMemCatalog(testPlans()...),
		env.subs,
		env.customers,
		env.payments,
		env.events,
		env.processor,
		slog.New(slog.DiscardHandler),
		allOpts...,
	)
	return env
}
