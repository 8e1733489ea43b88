package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tripwise/backend-billing/internal/common"
	"github.com/tripwise/backend-billing/internal/gateway"
	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/subscription"
)

func webhookBody(t *testing.T, eventID, eventType, intentID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":        eventID,
		"type":      eventType,
		"created":   time.Now().Unix(),
		"intent_id": intentID,
		"payload":   map[string]any{"amount": 1000, "currency": "EUR"},
	})
	require.NoError(t, err)
	return body
}

func signBody(body []byte) string {
	return gateway.SignPayload("whsec_test", body, time.Now())
}

func (e *testEnv) deliver(t *testing.T, body []byte) WebhookAck {
	t.Helper()
	ack, err := e.svc.ProcessWebhook(context.Background(), body, signBody(body))
	require.NoError(t, err)
	return ack
}

func TestWebhookSucceededActivatesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)

	body := webhookBody(t, "evt_1", "intent.succeeded", result.Attempt.ExternalIntentID)
	ack := env.deliver(t, body)
	require.Equal(t, WebhookApplied, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, attempt.Status)
	require.True(t, attempt.AccessGranted)
	require.NotNil(t, attempt.FinalizedAt)

	sub, err := env.stores.GetByOwner(ctx, env.ownerID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, sub.Status)
	require.WithinDuration(t, *attempt.FinalizedAt, sub.CurrentPeriodStart, time.Second)
	require.Equal(t, 1, env.tasks.count())

	// Same delivery again: acknowledged, nothing changes, no second receipt.
	ack = env.deliver(t, body)
	require.Equal(t, WebhookDuplicate, ack.Result)
	again, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, attempt.FinalizedAt.Unix(), again.FinalizedAt.Unix())
	require.Equal(t, 1, env.tasks.count())
}

func TestWebhookInvalidSignatureRejectedWithoutAdmission(t *testing.T) {
	env := newTestEnv(t)

	body := webhookBody(t, "evt_bad", "intent.succeeded", "pi_whatever")
	header := gateway.SignPayload("wrong-secret", body, time.Now())

	for i := 0; i < 2; i++ {
		_, err := env.svc.ProcessWebhook(context.Background(), body, header)
		require.Error(t, err)
		appErr, ok := common.AsAppError(err)
		require.True(t, ok)
		require.Equal(t, "INVALID_SIGNATURE", appErr.Code)
	}
	require.Empty(t, env.stores.events)
}

func TestWebhookMalformedPayloadRejected(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"type":"intent.succeeded"}`)
	_, err := env.svc.ProcessWebhook(context.Background(), body, signBody(body))
	require.Error(t, err)
	appErr, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "INVALID_PAYLOAD", appErr.Code)
}

func TestWebhookUnknownIntentAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	ack := env.deliver(t, webhookBody(t, "evt_2", "intent.succeeded", "pi_missing"))
	require.True(t, ack.Received)
	require.Equal(t, WebhookUnknownIntent, ack.Result)
	require.Empty(t, env.stores.events)
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	ack := env.deliver(t, webhookBody(t, "evt_3", "invoice.created", "pi_whatever"))
	require.True(t, ack.Received)
	require.Equal(t, WebhookUnknownType, ack.Result)
	require.Empty(t, env.stores.events)
}

func TestWebhookHealsFailedConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)

	env.gw.retrieveErr = gateway.ErrUnavailable
	_, err = env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.Error(t, err)

	ack := env.deliver(t, webhookBody(t, "evt_4", "intent.succeeded", result.Attempt.ExternalIntentID))
	require.Equal(t, WebhookApplied, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, attempt.Status)
}

func TestWebhookConflictAfterAccessGranted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.gw.setIntentStatus(result.Attempt.ExternalIntentID, gateway.IntentStatusSucceeded)
	_, err = env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)

	ack := env.deliver(t, webhookBody(t, "evt_5", "intent.failed", result.Attempt.ExternalIntentID))
	require.Equal(t, WebhookAnomaly, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, attempt.Status)

	sub, err := env.stores.GetByOwner(ctx, env.ownerID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, sub.Status)

	require.Len(t, env.stores.anomalies, 1)
	require.Equal(t, ledger.AnomalyConflictingOutcome, env.stores.anomalies[0].Kind)
}

func TestWebhookFailureOverridesOptimisticSuccessBeforeGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An "other" kind payment finalizes optimistically but grants nothing.
	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "25.00", Currency: "EUR", Kind: "other"})
	require.NoError(t, err)
	env.gw.setIntentStatus(result.Attempt.ExternalIntentID, gateway.IntentStatusSucceeded)
	confirmed, err := env.svc.Confirm(ctx, env.ownerID, result.Attempt.ID.String())
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, confirmed.Status)
	require.False(t, confirmed.AccessGranted)

	ack := env.deliver(t, webhookBody(t, "evt_6", "intent.failed", result.Attempt.ExternalIntentID))
	require.Equal(t, WebhookApplied, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, attempt.Status)
	// The first finalization timestamp is preserved through the override.
	require.Equal(t, confirmed.FinalizedAt.Unix(), attempt.FinalizedAt.Unix())
	require.Empty(t, env.stores.anomalies)
}

func TestWebhookRefundCancelsSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)
	env.deliver(t, webhookBody(t, "evt_7", "intent.succeeded", result.Attempt.ExternalIntentID))

	ack := env.deliver(t, webhookBody(t, "evt_8", "charge.refunded", result.Attempt.ExternalIntentID))
	require.Equal(t, WebhookApplied, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, attempt.Status)

	sub, err := env.stores.GetByOwner(ctx, env.ownerID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusCanceled, sub.Status)
}

func TestWebhookRefundBeforeSuccessIsAnomaly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)

	ack := env.deliver(t, webhookBody(t, "evt_9", "refund.issued", result.Attempt.ExternalIntentID))
	require.Equal(t, WebhookAnomaly, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, attempt.Status)

	require.Len(t, env.stores.anomalies, 1)
	require.Equal(t, ledger.AnomalyRefundWithoutSuccess, env.stores.anomalies[0].Kind)
}

// flakyUOW fails a set number of transactions before delegating.
type flakyUOW struct {
	UnitOfWork
	failures int
}

func (f *flakyUOW) WithinTx(ctx context.Context, fn func(LedgerStore, SubscriptionStore) error) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	return f.UnitOfWork.WithinTx(ctx, fn)
}

func TestWebhookRedeliveryAfterTxFailureIsNotFilteredAsReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	env.svc.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	env.svc.uow = &flakyUOW{UnitOfWork: env.stores, failures: 1}

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)

	// First delivery dies inside the transaction; nothing is admitted and the
	// replay filter must stay empty so the gateway's retry can land.
	body := webhookBody(t, "evt_11", "intent.succeeded", result.Attempt.ExternalIntentID)
	_, err = env.svc.ProcessWebhook(ctx, body, signBody(body))
	require.Error(t, err)
	require.Empty(t, env.stores.events)
	require.False(t, mr.Exists("billing:webhook:evt:evt_11"))

	ack := env.deliver(t, body)
	require.Equal(t, WebhookApplied, ack.Result)

	attempt, err := env.stores.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, attempt.Status)
	require.True(t, mr.Exists("billing:webhook:evt:evt_11"))
}

func TestWebhookReplayShortCircuitsThroughRedis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	env.svc.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	result, err := env.svc.CreateIntent(ctx, env.ownerID, CreateIntentInput{Amount: "10.00", Currency: "EUR", Plan: "premium"})
	require.NoError(t, err)

	body := webhookBody(t, "evt_10", "intent.succeeded", result.Attempt.ExternalIntentID)
	ack := env.deliver(t, body)
	require.Equal(t, WebhookApplied, ack.Result)

	// The second delivery never reaches the database admit.
	before := len(env.stores.events)
	ack = env.deliver(t, body)
	require.Equal(t, WebhookDuplicate, ack.Result)
	require.Len(t, env.stores.events, before)
	require.True(t, mr.Exists(fmt.Sprintf("billing:webhook:evt:%s", "evt_10")))
}
