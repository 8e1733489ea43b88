package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tripwise/backend-billing/internal/common"
	"github.com/tripwise/backend-billing/internal/obs"
)

// ReceiptHandler sends receipt emails for finalized payments. Failures are
// returned so asynq retries the task; they never affect the payment itself.
type ReceiptHandler struct {
	email common.EmailSender
	log   zerolog.Logger
}

// NewReceiptHandler constructs a ReceiptHandler.
func NewReceiptHandler(email common.EmailSender, log zerolog.Logger) *ReceiptHandler {
	return &ReceiptHandler{email: email, log: log}
}

// Register attaches the handler to an asynq mux.
func (h *ReceiptHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReceiptEmail, h.HandleReceiptEmail)
}

// HandleReceiptEmail renders and sends one receipt.
func (h *ReceiptHandler) HandleReceiptEmail(ctx context.Context, task *asynq.Task) error {
	var payload ReceiptEmailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// Malformed payloads never become valid; retrying is pointless.
		h.log.Error().Err(err).Msg("receipt task payload unmarshal failed")
		return fmt.Errorf("unmarshal receipt payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.OwnerEmail == "" {
		h.log.Warn().Str("attempt_id", payload.AttemptID).Msg("receipt task without owner email, skipping")
		return nil
	}

	amount := decimal.NewFromInt(payload.AmountCents).Shift(-2)
	subject := fmt.Sprintf("Your payment receipt (%s %s)", amount.StringFixed(2), payload.Currency)
	body := fmt.Sprintf("<p>We received your payment of %s %s.</p><p>Reference: %s</p>",
		amount.StringFixed(2), payload.Currency, payload.AttemptID)
	if payload.PlanID != "" {
		body += fmt.Sprintf("<p>Plan: %s</p>", payload.PlanID)
	}

	if err := h.email.Send(ctx, payload.OwnerEmail, subject, body); err != nil {
		h.log.Error().Err(err).Str("attempt_id", payload.AttemptID).Msg("receipt email send failed")
		return err
	}
	h.log.Info().Str("attempt_id", payload.AttemptID).Str("to", payload.OwnerEmail).Msg("receipt email sent")
	return nil
}

// Enqueuer is the narrow asynq client surface the billing service needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueReceipt dispatches a receipt task, best effort. Errors are logged
// and counted, never propagated: the finalize transaction has already
// committed and must not be failed by a broker hiccup.
func EnqueueReceipt(ctx context.Context, client Enqueuer, payload ReceiptEmailPayload, maxRetry int, log zerolog.Logger) {
	task, err := NewReceiptEmailTask(payload, maxRetry)
	if err != nil {
		obs.ReceiptEnqueueTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("attempt_id", payload.AttemptID).Msg("receipt task build failed")
		return
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		obs.ReceiptEnqueueTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("attempt_id", payload.AttemptID).Msg("receipt task enqueue failed")
		return
	}
	obs.ReceiptEnqueueTotal.WithLabelValues("ok").Inc()
}
