package billing_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/paymentops/subsync/internal/billing"
	"github.com/paymentops/subsync/internal/storage/memory"
)

// deliver wires a single normalized event through the verification mock and
// hands its payload to HandleWebhook, the way the transport layer would.
func deliver(t *testing.T, env *testEnv, event *billing.Event) error {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"event_id":%q}`, event.ID))
	env.processor.On("ParseWebhook", mock.Anything, payload, "sig").Return(event, nil).Once()
	return env.svc.HandleWebhook(context.Background(), payload, "sig")
}

func TestHandleWebhook_UnverifiedSignatureSurfaces(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.processor.On("ParseWebhook", mock.Anything, mock.Anything, "bad").
		Return(nil, billing.ErrUnverified)

	err := env.svc.HandleWebhook(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, billing.ErrUnverified)
}

func TestHandleWebhook_MalformedButSignedIsAcknowledged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.processor.On("ParseWebhook", mock.Anything, mock.Anything, "sig").
		Return(nil, errors.New("unexpected end of JSON input"))

	err := env.svc.HandleWebhook(context.Background(), []byte(`{"broken`), "sig")
	assert.NoError(t, err)
}

func TestHandleWebhook_IgnoredEventTypeIsAcknowledged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	err := deliver(t, env, &billing.Event{
		ID:   "evt_noise",
		Type: billing.EventIgnored,
	})
	assert.NoError(t, err)
}

func TestHandleWebhook_UnknownCorrelatorsAcknowledged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	err := deliver(t, env, &billing.Event{
		ID:             "evt_orphan",
		Type:           billing.EventSubscriptionUpdated,
		OccurredAt:     testNow,
		SubscriptionID: "sub_unknown",
		CustomerID:     "ctm_unknown",
		Status:         "active",
	})
	assert.NoError(t, err, "events for unknown subscriptions are acknowledged, not retried")
}

func TestHandleWebhook_CheckoutCompletedActivatesPendingRow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:     uuid.New(),
		UserID: userID,
		PlanID: "pri_basic",
		Status: billing.StatusPending,
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	periodStart := testNow
	periodEnd := testNow.AddDate(0, 1, 0)
	err := deliver(t, env, &billing.Event{
		ID:                 "evt_1",
		Type:               billing.EventCheckoutCompleted,
		OccurredAt:         testNow,
		SubscriptionRef:    sub.ID.String(),
		SubscriptionID:     "sub_new",
		CustomerID:         "ctm_1",
		PriceID:            "pri_basic",
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, fresh.Status)
	assert.Equal(t, "sub_new", fresh.ProviderSubID)
	require.NotNil(t, fresh.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, *fresh.CurrentPeriodEnd)
}

func TestHandleWebhook_DuplicateDeliveryAppliedOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "pri_basic",
		Status:        billing.StatusActive,
		ProviderSubID: "sub_42",
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	event := &billing.Event{
		ID:             "evt_pay_1",
		Type:           billing.EventPaymentSucceeded,
		OccurredAt:     testNow,
		SubscriptionID: "sub_42",
		PaymentID:      "txn_1",
		Amount:         billing.Money{Amount: 1500, Currency: "USD"},
	}
	require.NoError(t, deliver(t, env, event))
	require.NoError(t, deliver(t, env, event))

	payments, err := env.payments.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1, "redelivered payment event must leave exactly one record")
}

func TestHandleWebhook_SamePaymentDifferentEventIDStillDeduplicated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "pri_basic",
		Status:        billing.StatusActive,
		ProviderSubID: "sub_42",
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	for _, eventID := range []string{"evt_a", "evt_b"} {
		require.NoError(t, deliver(t, env, &billing.Event{
			ID:             eventID,
			Type:           billing.EventPaymentSucceeded,
			OccurredAt:     testNow,
			SubscriptionID: "sub_42",
			PaymentID:      "txn_same",
			Amount:         billing.Money{Amount: 1500, Currency: "USD"},
		}))
	}

	payments, err := env.payments.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestHandleWebhook_StaleUpdateSkipped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:                uuid.New(),
		UserID:            userID,
		PlanID:            "pri_pro",
		Status:            billing.StatusActive,
		ProviderSubID:     "sub_42",
		ProviderUpdatedAt: testNow,
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	// The delayed delivery predates the revision a synchronous upgrade
	// already applied: it must not roll the plan back.
	err := deliver(t, env, &billing.Event{
		ID:             "evt_late",
		Type:           billing.EventSubscriptionUpdated,
		OccurredAt:     testNow.Add(-time.Hour),
		SubscriptionID: "sub_42",
		PriceID:        "pri_basic",
		Status:         "active",
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pri_pro", fresh.PlanID)
}

func TestHandleWebhook_FreshUpdateApplied(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:                uuid.New(),
		UserID:            userID,
		PlanID:            "pri_basic",
		Status:            billing.StatusActive,
		ProviderSubID:     "sub_42",
		ProviderUpdatedAt: testNow.Add(-time.Hour),
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	periodEnd := testNow.AddDate(0, 1, 0)
	err := deliver(t, env, &billing.Event{
		ID:               "evt_fresh",
		Type:             billing.EventSubscriptionUpdated,
		OccurredAt:       testNow,
		SubscriptionID:   "sub_42",
		PriceID:          "pri_pro",
		Status:           "past_due",
		CurrentPeriodEnd: &periodEnd,
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pri_pro", fresh.PlanID)
	assert.Equal(t, billing.StatusPastDue, fresh.Status)
	assert.Equal(t, testNow, fresh.ProviderUpdatedAt)
}

func TestHandleWebhook_UnknownPriceIDLeavesPlanUntouched(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "pri_basic",
		Status:        billing.StatusActive,
		ProviderSubID: "sub_42",
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	err := deliver(t, env, &billing.Event{
		ID:             "evt_alien_price",
		Type:           billing.EventSubscriptionUpdated,
		OccurredAt:     testNow,
		SubscriptionID: "sub_42",
		PriceID:        "pri_not_in_catalog",
		Status:         "active",
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pri_basic", fresh.PlanID)
}

func TestHandleWebhook_DeletionCancels(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:                uuid.New(),
		UserID:            userID,
		PlanID:            "pri_basic",
		Status:            billing.StatusActive,
		ProviderSubID:     "sub_42",
		CancelAtPeriodEnd: true,
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	occurred := testNow.AddDate(0, 0, 20)
	err := deliver(t, env, &billing.Event{
		ID:             "evt_del",
		Type:           billing.EventSubscriptionDeleted,
		OccurredAt:     occurred,
		SubscriptionID: "sub_42",
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, fresh.Status)
	assert.False(t, fresh.CancelAtPeriodEnd)
	require.NotNil(t, fresh.CancelledAt)
	assert.Equal(t, occurred, *fresh.CancelledAt)
}

func TestHandleWebhook_PaymentFailedMarksPastDue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "pri_basic",
		Status:        billing.StatusActive,
		ProviderSubID: "sub_42",
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	err := deliver(t, env, &billing.Event{
		ID:             "evt_fail",
		Type:           billing.EventPaymentFailed,
		OccurredAt:     testNow,
		SubscriptionID: "sub_42",
		PaymentID:      "txn_fail",
		Amount:         billing.Money{Amount: 1500, Currency: "USD"},
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, fresh.Status)

	payments, err := env.payments.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, billing.PaymentFailed, payments[0].Status)
}

func TestHandleWebhook_PaymentForCanceledRowKeepsRecordOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	cancelledAt := testNow.Add(-time.Hour)
	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "pri_basic",
		Status:        billing.StatusCanceled,
		ProviderSubID: "sub_42",
		CancelledAt:   &cancelledAt,
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	err := deliver(t, env, &billing.Event{
		ID:             "evt_trailing_pay",
		Type:           billing.EventPaymentSucceeded,
		OccurredAt:     testNow,
		SubscriptionID: "sub_42",
		PaymentID:      "txn_trailing",
		Amount:         billing.Money{Amount: 1500, Currency: "USD"},
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, fresh.Status, "canceled stays terminal")

	payments, err := env.payments.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1, "the charge record is still kept")
}

func TestHandleWebhook_CorrelatesByUserRef(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	sub := &billing.Subscription{
		ID:     uuid.New(),
		UserID: userID,
		PlanID: "pri_basic",
		Status: billing.StatusPending,
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	err := deliver(t, env, &billing.Event{
		ID:             "evt_by_user",
		Type:           billing.EventCheckoutCompleted,
		OccurredAt:     testNow,
		UserRef:        userID.String(),
		SubscriptionID: "sub_77",
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, fresh.Status)
	assert.Equal(t, "sub_77", fresh.ProviderSubID)
}

func TestHandleWebhook_CorrelatesByProviderCustomerID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, env.customers.Create(ctx, &billing.Customer{
		UserID: userID, ProviderCustomerID: "ctm_55",
	}))
	sub := &billing.Subscription{
		ID:     uuid.New(),
		UserID: userID,
		PlanID: "pri_basic",
		Status: billing.StatusActive,
	}
	require.NoError(t, env.subs.Create(ctx, sub))

	err := deliver(t, env, &billing.Event{
		ID:             "evt_by_ctm",
		Type:           billing.EventSubscriptionUpdated,
		OccurredAt:     testNow,
		CustomerID:     "ctm_55",
		SubscriptionID: "sub_88",
		Status:         "active",
	})
	require.NoError(t, err)

	fresh, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub_88", fresh.ProviderSubID, "the processor identity is adopted from the event")
}

// contendedSubStore loses every optimistic-lock write, simulating a row
// under constant concurrent modification.
type contendedSubStore struct {
	*memory.SubscriptionStore
}

func (st *contendedSubStore) Update(ctx context.Context, sub *billing.Subscription) error {
	return billing.ErrConflict
}

func TestHandleWebhook_ExhaustedConflictRetriesAreFlagged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	userID := uuid.New()

	subs := memory.NewSubscriptionStore()
	ops := &mockNotifier{}
	processor := &mockProcessor{}
	svc := billing.NewService(
		billing.NewInMemCatalog(testPlans()...),
		&contendedSubStore{subs},
		memory.NewCustomerStore(),
		memory.NewPaymentStore(),
		memory.NewEventStore(),
		processor,
		slog.New(slog.DiscardHandler),
		billing.WithClock(func() time.Time { return testNow }),
		billing.WithOpsNotifier(ops),
	)

	sub := &billing.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "pri_basic",
		Status:        billing.StatusActive,
		ProviderSubID: "sub_42",
	}
	require.NoError(t, subs.Create(ctx, sub))

	payload := []byte(`{"event_id":"evt_contended"}`)
	processor.On("ParseWebhook", mock.Anything, payload, "sig").Return(&billing.Event{
		ID:             "evt_contended",
		Type:           billing.EventSubscriptionUpdated,
		OccurredAt:     testNow,
		SubscriptionID: "sub_42",
		Status:         "past_due",
	}, nil)
	ops.On("Flag", mock.Anything, "webhook effect dropped after conflict retries", mock.Anything).Return()

	// The delivery is still acknowledged; the dropped effect is escalated
	// instead of silently lost.
	err := svc.HandleWebhook(ctx, payload, "sig")
	require.NoError(t, err)
	ops.AssertExpectations(t)

	fresh, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, fresh.Status)
}

// Walks a subscription through its whole life: trial signup, checkout
// conversion observed via webhook, synchronous upgrade, cancellation at
// period end, and the final deletion event, with a duplicate and a stale
// delivery thrown in along the way.
func TestSubscriptionLifecycleRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	// Trial signup, local only.
	result, err := env.svc.ChangePlan(ctx, userID.String(), "pri_trial", billing.ChangePlanOptions{})
	require.NoError(t, err)
	subID := result.Subscription.ID

	// Conversion goes through checkout.
	env.processor.On("CreateCustomer", mock.Anything, userID.String(), "").Return("ctm_rt", nil)
	env.processor.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutSessionRequest) bool {
		return req.ConvertingTrial && req.SubscriptionID == subID.String()
	})).Return(&billing.CheckoutSession{URL: "https://checkout.example/rt"}, nil)
	result, err = env.svc.ChangePlan(ctx, userID.String(), "pri_basic", billing.ChangePlanOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, result.RedirectURL)

	// Checkout completion arrives asynchronously and flips the same row.
	periodStart := testNow
	periodEnd := testNow.AddDate(0, 1, 0)
	completed := &billing.Event{
		ID:                 "evt_rt_1",
		Type:               billing.EventCheckoutCompleted,
		OccurredAt:         testNow,
		SubscriptionRef:    subID.String(),
		SubscriptionID:     "sub_rt",
		CustomerID:         "ctm_rt",
		PriceID:            "pri_basic",
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
	}
	require.NoError(t, deliver(t, env, completed))
	// The processor redelivers; nothing changes.
	require.NoError(t, deliver(t, env, completed))

	sub, err := env.subs.Get(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, "sub_rt", sub.ProviderSubID)

	// First invoice.
	require.NoError(t, deliver(t, env, &billing.Event{
		ID:             "evt_rt_2",
		Type:           billing.EventPaymentSucceeded,
		OccurredAt:     testNow.Add(time.Minute),
		SubscriptionID: "sub_rt",
		PaymentID:      "txn_rt_1",
		Amount:         billing.Money{Amount: 1500, Currency: "USD"},
	}))

	// Synchronous upgrade with immediate proration.
	upgradedAt := testNow.Add(time.Hour)
	env.processor.On("GetSubscription", mock.Anything, "sub_rt").Return(&billing.ProcessorSubscription{
		ID: "sub_rt", Status: "active", PriceID: "pri_basic",
	}, nil)
	env.processor.On("UpdateSubscriptionPrice", mock.Anything, "sub_rt", "pri_pro").Return(&billing.ProcessorSubscription{
		ID: "sub_rt", Status: "active", PriceID: "pri_pro",
		CurrentPeriodStart: &periodStart, CurrentPeriodEnd: &periodEnd,
		UpdatedAt: upgradedAt,
	}, nil)
	result, err = env.svc.ChangePlan(ctx, userID.String(), "pri_pro", billing.ChangePlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pri_pro", result.Subscription.PlanID)

	// The processor's own subscription.updated for the pre-upgrade state
	// arrives late and must not roll the plan back.
	require.NoError(t, deliver(t, env, &billing.Event{
		ID:             "evt_rt_3",
		Type:           billing.EventSubscriptionUpdated,
		OccurredAt:     testNow.Add(time.Minute),
		SubscriptionID: "sub_rt",
		PriceID:        "pri_basic",
		Status:         "active",
	}))
	sub, err = env.subs.Get(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, "pri_pro", sub.PlanID)

	// Cancel at period end.
	env.processor.On("CancelSubscription", mock.Anything, "sub_rt", false).Return(nil)
	sub, err = env.svc.Cancel(ctx, userID.String(), subID.String(), false)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	// The period ends and the processor reports the deletion.
	require.NoError(t, deliver(t, env, &billing.Event{
		ID:             "evt_rt_4",
		Type:           billing.EventSubscriptionDeleted,
		OccurredAt:     periodEnd,
		SubscriptionID: "sub_rt",
	}))

	final, err := env.subs.Get(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, final.Status)
	assert.Equal(t, "pri_pro", final.PlanID, "the last paid plan stays on the closed record")
	require.NotNil(t, final.CancelledAt)
	assert.Equal(t, periodEnd, *final.CancelledAt)

	payments, err := env.payments.ListBySubscription(ctx, subID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	env.processor.AssertExpectations(t)
}
