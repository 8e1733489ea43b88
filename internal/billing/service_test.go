package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tripwise/backend-billing/internal/common"
	"github.com/tripwise/backend-billing/internal/config"
	"github.com/tripwise/backend-billing/internal/gateway"
	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/subscription"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":           "postgres://localhost/test",
		"REDIS_URL":              "redis://localhost:6379/0",
		"JWT_SECRET":             "test-secret",
		"GATEWAY_SECRET_KEY":     "sk_test",
		"GATEWAY_WEBHOOK_SECRET": "whsec_test",
	})
	require.NoError(t, err)
	return cfg
}

type testEnv struct {
	svc     *Service
	stores  *memStores
	gw      *fakeGateway
	tasks   *fakeEnqueuer
	ownerID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stores := newMemStores()
	stores.plans["premium"] = subscription.Plan{ID: "premium", Name: "Premium", PriceCents: 1000, Currency: "EUR", IntervalDays: 30}
	stores.plans["basic"] = subscription.Plan{ID: "basic", Name: "Basic", PriceCents: 500, Currency: "EUR", IntervalDays: 30}
	gw := newFakeGateway()
	enq := &fakeEnqueuer{}
	machine := subscription.NewMachine(zerolog.Nop())
	svc := NewService(stores, gw, machine, enq, nil, testConfig(t), zerolog.Nop())
	return &testEnv{svc: svc, stores: stores, gw: gw, tasks: enq, ownerID: uuid.New()}
}

func TestCreateIntentSubscription(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.svc.CreateIntent(context.Background(), env.ownerID, CreateIntentInput{
		Amount:   "10.00",
		Currency: "EUR",
		Plan:     "premium",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, result.Attempt.Status)
	require.Equal(t, ledger.KindSubscription, result.Attempt.Kind)
	require.Equal(t, int64(1000), result.Attempt.AmountCents)
	require.NotEmpty(t, result.ClientSecret)
	require.Len(t, env.stores.attempts, 1)
}

func TestCreateIntentUpstreamFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.gw.createErr = gateway.ErrUnavailable

	_, err := env.svc.CreateIntent(context.Background(), env.ownerID, CreateIntentInput{
		Amount:   "10.00",
		Currency: "EUR",
		Plan:     "premium",
	})
	require.Error(t, err)
	appErr, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "UPSTREAM_UNAVAILABLE", appErr.Code)
	require.Empty(t, env.stores.attempts)
}

func TestCreateIntentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateIntentInput
		code  string
	}{
		{"bad amount", CreateIntentInput{Amount: "ten", Currency: "EUR", Plan: "premium"}, "VALIDATION"},
		{"negative amount", CreateIntentInput{Amount: "-1.00", Currency: "EUR", Plan: "premium"}, "VALIDATION"},
		{"sub-cent amount", CreateIntentInput{Amount: "1.005", Currency: "EUR", Plan: "premium"}, "VALIDATION"},
		{"unsupported currency", CreateIntentInput{Amount: "10.00", Currency: "GBP", Plan: "premium"}, "UNSUPPORTED_CURRENCY"},
		{"unknown plan", CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "platinum"}, "PLAN_NOT_FOUND"},
		{"amount mismatch", CreateIntentInput{Amount: "9.00", Currency: "EUR", Plan: "premium"}, "AMOUNT_MISMATCH"},
	}
	for _, tc := range cases {
		_, err := env.svc.CreateIntent(ctx, env.ownerID, tc.input)
		require.Error(t, err, tc.name)
		appErr, ok := common.AsAppError(err)
		require.True(t, ok, tc.name)
		require.Equal(t, tc.code, appErr.Code, tc.name)
	}
	require.Empty(t, env.stores.attempts)
	require.Zero(t, env.gw.createCalls)
}

func TestConfirmFinalizesAndActivatesSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := common.WithEmail(context.Background(), "traveler@example.com")

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.setIntentStatus(result.Attempt.ExternalIntentID, gateway.IntentStatusSucceeded)

	attempt, err := env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, attempt.Status)
	require.NotNil(t, attempt.FinalizedAt)
	require.True(t, attempt.AccessGranted)

	sub, err := env.stores.GetByOwner(ctx, env.ownerID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, sub.Status)
	require.Equal(t, "premium", sub.PlanID)
	require.WithinDuration(t, attempt.FinalizedAt.Add(30*24*time.Hour), sub.CurrentPeriodEnd, time.Second)

	require.Equal(t, 1, env.tasks.count())
}

func TestConfirmIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.setIntentStatus(result.Attempt.ExternalIntentID, gateway.IntentStatusSucceeded)

	first, err := env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)
	second, err := env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)

	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.FinalizedAt.Unix(), second.FinalizedAt.Unix())
	require.Equal(t, 1, env.tasks.count())
}

func TestConfirmUpstreamTimeoutLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.retrieveErr = gateway.ErrUnavailable

	_, err = env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.Error(t, err)
	appErr, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "UPSTREAM_UNAVAILABLE", appErr.Code)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, attempt.Status)
	require.Nil(t, attempt.FinalizedAt)
}

func TestConfirmNotReadyStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	// Intent stays requires_action.

	attempt, err := env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, attempt.Status)
	require.Zero(t, env.tasks.count())
}

func TestConfirmForeignAttemptIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)

	_, err = env.svc.Confirm(ctx, uuid.New(), result.Attempt.ID.String())
	appErr, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestConfirmCanceledIntentFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.setIntentStatus(result.Attempt.ExternalIntentID, gateway.IntentStatusCanceled)

	attempt, err := env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, attempt.Status)
	require.False(t, attempt.AccessGranted)
	require.Zero(t, env.tasks.count())

	_, err = env.stores.GetByOwner(ctx, env.ownerID)
	require.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestFailedRenewalLeavesSubscriptionUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// First cycle succeeds.
	first, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.setIntentStatus(first.Attempt.ExternalIntentID, gateway.IntentStatusSucceeded)
	_, err = env.svc.Confirm(ctx, env.ownerID, first.Attempt.ID.String())
	require.NoError(t, err)

	// Renewal fails.
	renewal, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.setIntentStatus(renewal.Attempt.ExternalIntentID, gateway.IntentStatusCanceled)
	attempt, err := env.svc.Confirm(ctx, env.ownerID, renewal.Attempt.ID.String())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, attempt.Status)

	sub, err := env.stores.GetByOwner(ctx, env.ownerID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, sub.Status)
	require.Equal(t, first.Attempt.ID, *sub.LastAttemptID)
}

func TestPaymentHistoryFiltersByOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	_, err = env.svc.CreateIntent(ctx, uuid.New(), CreateIntentInput{Amount: "5.00", Currency: "EUR", Plan: "basic"})
	require.NoError(t, err)

	attempts, total, err := env.svc.PaymentHistory(ctx, env.ownerID, "", 1, 20)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Len(t, attempts, 1)
	require.Equal(t, env.ownerID, attempts[0].OwnerID)
}
