package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tripwise/backend-billing/internal/common"
	"github.com/tripwise/backend-billing/internal/config"
	"github.com/tripwise/backend-billing/internal/gateway"
	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/obs"
	"github.com/tripwise/backend-billing/internal/subscription"
	"github.com/tripwise/backend-billing/internal/tasks"
)

// Service orchestrates payment intent creation, confirmation, webhook
// reconciliation and the read surfaces on top of the ledger.
type Service struct {
	uow     UnitOfWork
	gw      gateway.Client
	machine *subscription.Machine
	tasks   tasks.Enqueuer
	redis   *redis.Client
	cfg     *config.Config
	log     zerolog.Logger
}

// NewService constructs a Service. The task client and redis client are
// optional; without them receipts and the webhook replay pre-filter are
// skipped (correctness never depends on either).
func NewService(uow UnitOfWork, gw gateway.Client, machine *subscription.Machine, enqueuer tasks.Enqueuer, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		uow:     uow,
		gw:      gw,
		machine: machine,
		tasks:   enqueuer,
		redis:   rdb,
		cfg:     cfg,
		log:     log,
	}
}

// CreateIntentInput is the validated-to-be request for opening a payment.
type CreateIntentInput struct {
	Amount   string
	Currency string
	Kind     string
	Plan     string
}

// IntentResult carries the new attempt and the gateway client secret.
type IntentResult struct {
	Attempt      ledger.PaymentAttempt
	ClientSecret string
}

// CreateIntent opens an intent with the gateway and records exactly one
// pending attempt. No local row is written when the upstream call fails.
func (s *Service) CreateIntent(ctx context.Context, ownerID uuid.UUID, input CreateIntentInput) (IntentResult, error) {
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if !s.cfg.CurrencySupported(currency) {
		return IntentResult{}, common.NewAppError("UNSUPPORTED_CURRENCY", "currency is not supported", http.StatusUnprocessableEntity, nil)
	}
	cents, err := parseAmountCents(input.Amount)
	if err != nil {
		return IntentResult{}, err
	}

	kind, ok := resolveKind(input.Kind, input.Plan)
	if !ok {
		return IntentResult{}, common.NewAppError("VALIDATION", "unknown payment kind", http.StatusUnprocessableEntity, nil)
	}

	var planID *string
	switch kind {
	case ledger.KindSubscription:
		if strings.TrimSpace(input.Plan) == "" {
			return IntentResult{}, common.NewAppError("VALIDATION", "plan is required for subscription payments", http.StatusUnprocessableEntity, nil)
		}
		plan, err := s.uow.Subscriptions().GetPlan(ctx, input.Plan)
		if errors.Is(err, subscription.ErrPlanNotFound) {
			return IntentResult{}, common.NewAppError("PLAN_NOT_FOUND", "plan not found", http.StatusUnprocessableEntity, nil)
		}
		if err != nil {
			return IntentResult{}, err
		}
		if cents != plan.PriceCents || currency != plan.Currency {
			return IntentResult{}, common.NewAppError("AMOUNT_MISMATCH", "amount does not match the plan price", http.StatusUnprocessableEntity, nil)
		}
		planID = &plan.ID
	case ledger.KindOneOff:
		if s.cfg.OneOffPriceCents > 0 && cents != s.cfg.OneOffPriceCents {
			return IntentResult{}, common.NewAppError("AMOUNT_MISMATCH", "amount does not match the purchase price", http.StatusUnprocessableEntity, nil)
		}
	}

	metadata := map[string]string{
		"owner_id": ownerID.String(),
		"kind":     string(kind),
	}
	if planID != nil {
		metadata["plan"] = *planID
	}
	intent, err := s.gw.CreateIntent(ctx, gateway.CreateIntentParams{
		AmountCents: cents,
		Currency:    currency,
		Metadata:    metadata,
	})
	if err != nil {
		obs.BillingIntentTotal.WithLabelValues(string(kind), "upstream_error").Inc()
		if errors.Is(err, gateway.ErrUnavailable) {
			return IntentResult{}, common.NewAppError("UPSTREAM_UNAVAILABLE", "payment provider is unavailable, try again", http.StatusServiceUnavailable, err)
		}
		return IntentResult{}, err
	}

	attempt, err := s.uow.Ledger().CreateAttempt(ctx, ledger.CreateAttemptParams{
		OwnerID:          ownerID,
		ExternalIntentID: intent.ID,
		Kind:             kind,
		PlanID:           planID,
		AmountCents:      cents,
		Currency:         currency,
	})
	if err != nil {
		// The gateway intent is now orphaned; it expires upstream unconfirmed.
		obs.BillingIntentTotal.WithLabelValues(string(kind), "store_error").Inc()
		s.log.Error().Err(err).Str("intent_id", intent.ID).Msg("attempt insert failed after intent creation")
		return IntentResult{}, err
	}

	obs.BillingIntentTotal.WithLabelValues(string(kind), "created").Inc()
	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("owner_id", ownerID.String()).
		Str("kind", string(kind)).
		Int64("amount_cents", cents).
		Str("currency", currency).
		Msg("payment intent created")
	return IntentResult{Attempt: attempt, ClientSecret: intent.ClientSecret}, nil
}

// Confirm re-queries the gateway for the authoritative intent state and
// optimistically finalizes a pending attempt. Calling it on a finalized
// attempt is an idempotent no-op returning the current state.
func (s *Service) Confirm(ctx context.Context, ownerID uuid.UUID, attemptID string) (ledger.PaymentAttempt, error) {
	id, err := uuid.Parse(attemptID)
	if err != nil {
		return ledger.PaymentAttempt{}, errAttemptNotFound()
	}
	attempt, err := s.uow.Ledger().GetAttempt(ctx, id)
	if errors.Is(err, ledger.ErrAttemptNotFound) {
		return ledger.PaymentAttempt{}, errAttemptNotFound()
	}
	if err != nil {
		return ledger.PaymentAttempt{}, err
	}
	if attempt.OwnerID != ownerID {
		// Foreign attempts are indistinguishable from missing ones.
		return ledger.PaymentAttempt{}, errAttemptNotFound()
	}
	if attempt.Status.Terminal() {
		obs.BillingConfirmTotal.WithLabelValues("already_finalized").Inc()
		return attempt, nil
	}

	intent, err := s.gw.RetrieveIntent(ctx, attempt.ExternalIntentID)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			obs.BillingConfirmTotal.WithLabelValues("upstream_unavailable").Inc()
			return ledger.PaymentAttempt{}, common.NewAppError("UPSTREAM_UNAVAILABLE", "payment provider is unavailable, try again", http.StatusServiceUnavailable, err)
		}
		if errors.Is(err, gateway.ErrIntentNotFound) {
			obs.BillingConfirmTotal.WithLabelValues("upstream_mismatch").Inc()
			return ledger.PaymentAttempt{}, common.NewAppError("UPSTREAM_MISMATCH", "payment provider does not recognise this payment", http.StatusBadGateway, err)
		}
		obs.BillingConfirmTotal.WithLabelValues("upstream_error").Inc()
		return ledger.PaymentAttempt{}, err
	}

	var outcome ledger.Outcome
	switch intent.Status {
	case gateway.IntentStatusSucceeded:
		outcome = ledger.OutcomeSucceeded
	case gateway.IntentStatusCanceled:
		outcome = ledger.OutcomeFailed
	default:
		// Still requires client action or is settling; nothing to finalize yet.
		obs.BillingConfirmTotal.WithLabelValues("not_ready").Inc()
		return attempt, nil
	}

	eventID := "confirm:" + attempt.ID.String()
	result, applied, err := s.applyOutcome(ctx, applyParams{
		attemptID:       attempt.ID,
		externalEventID: eventID,
		eventType:       "confirm." + string(outcome),
		source:          ledger.SourceConfirm,
		outcome:         outcome,
	})
	if err != nil {
		obs.BillingConfirmTotal.WithLabelValues("error").Inc()
		return ledger.PaymentAttempt{}, err
	}

	obs.BillingConfirmTotal.WithLabelValues(string(result.Status)).Inc()
	if applied && result.Status == ledger.StatusSucceeded {
		s.enqueueReceipt(ctx, result, common.Email(ctx))
	}
	return result, nil
}

type applyParams struct {
	attemptID       uuid.UUID
	externalEventID string
	eventType       string
	source          ledger.EventSource
	outcome         ledger.Outcome
	payload         []byte
}

// applyOutcome is the shared admit+transition critical section: one
// transaction takes the attempt row lock, admits the idempotency key, applies
// the reconciler verdict and drives the subscription machine.
func (s *Service) applyOutcome(ctx context.Context, params applyParams) (result ledger.PaymentAttempt, applied bool, err error) {
	err = s.uow.WithinTx(ctx, func(l LedgerStore, subs SubscriptionStore) error {
		attempt, err := l.GetAttemptForUpdate(ctx, params.attemptID)
		if err != nil {
			return err
		}

		first, err := l.AdmitEvent(ctx, ledger.AdmitEventParams{
			AttemptID:       attempt.ID,
			ExternalEventID: params.externalEventID,
			EventType:       params.eventType,
			Source:          params.source,
			Payload:         params.payload,
			SignatureValid:  params.source == ledger.SourceWebhook,
		})
		if err != nil {
			return err
		}
		if !first {
			result = attempt
			return nil
		}

		result, _, applied, err = s.reconcileLocked(ctx, l, subs, attempt, params.outcome, params.externalEventID)
		return err
	})
	if err != nil {
		return ledger.PaymentAttempt{}, false, err
	}
	return result, applied, nil
}

// reconcileLocked applies the reconciler verdict for an attempt whose row
// lock is already held and whose event was admitted first-seen. It returns
// the resulting attempt, a diagnostic tag and whether a transition applied.
func (s *Service) reconcileLocked(ctx context.Context, l LedgerStore, subs SubscriptionStore, attempt ledger.PaymentAttempt, outcome ledger.Outcome, externalEventID string) (ledger.PaymentAttempt, string, bool, error) {
	decision := ledger.Decide(attempt.Status, outcome, attempt.AccessGranted)
	switch decision.Action {
	case ledger.ActionNoop:
		if attempt.Status.Terminal() {
			s.log.Info().
				Str("attempt_id", attempt.ID.String()).
				Str("event_id", externalEventID).
				Str("status", string(attempt.Status)).
				Msg("report ignored, attempt already terminal")
		}
		return attempt, WebhookNoop, false, l.MarkEventStatus(ctx, attempt.ID, externalEventID, ledger.EventIgnored)

	case ledger.ActionAnomaly:
		if err := l.InsertAnomaly(ctx, ledger.InsertAnomalyParams{
			AttemptID:       attempt.ID,
			ExternalEventID: externalEventID,
			Kind:            decision.AnomalyKind,
			Detail:          anomalyDetail(attempt.Status, outcome, attempt.AccessGranted),
		}); err != nil {
			return attempt, "", false, err
		}
		obs.BillingAnomalyTotal.WithLabelValues(decision.AnomalyKind).Inc()
		s.log.Warn().
			Str("attempt_id", attempt.ID.String()).
			Str("event_id", externalEventID).
			Str("kind", decision.AnomalyKind).
			Str("current", string(attempt.Status)).
			Str("reported", string(outcome)).
			Msg("reconciliation anomaly recorded")
		return attempt, WebhookAnomaly, false, l.MarkEventStatus(ctx, attempt.ID, externalEventID, ledger.EventProcessed)

	case ledger.ActionApply:
		ok, err := l.ApplyTransition(ctx, attempt.ID, attempt.Status, decision.Next, externalEventID)
		if err != nil {
			return attempt, "", false, err
		}
		if !ok {
			// Lost a race despite the row lock; act as a no-op loser.
			return attempt, WebhookNoop, false, l.MarkEventStatus(ctx, attempt.ID, externalEventID, ledger.EventIgnored)
		}
		updated, err := l.GetAttempt(ctx, attempt.ID)
		if err != nil {
			return attempt, "", false, err
		}

		switch decision.Next {
		case ledger.StatusSucceeded:
			if updated.Kind == ledger.KindSubscription && updated.PlanID != nil {
				finalizedAt := time.Now()
				if updated.FinalizedAt != nil {
					finalizedAt = *updated.FinalizedAt
				}
				if _, err := s.machine.Activate(ctx, subs, updated.OwnerID, *updated.PlanID, updated.ID, finalizedAt); err != nil {
					return attempt, "", false, err
				}
			}
			// Subscriptions and one-off purchases deliver their entitlement
			// here; once granted, a conflicting report can only be an anomaly.
			if updated.Kind != ledger.KindOther {
				if err := l.GrantAccess(ctx, updated.ID); err != nil {
					return attempt, "", false, err
				}
				updated.AccessGranted = true
			}
		case ledger.StatusRefunded:
			if updated.Kind == ledger.KindSubscription {
				if _, err := s.machine.Cancel(ctx, subs, updated.OwnerID, updated.ID); err != nil {
					return attempt, "", false, err
				}
			}
		case ledger.StatusFailed:
			if decision.Override {
				s.log.Warn().
					Str("attempt_id", attempt.ID.String()).
					Str("event_id", externalEventID).
					Msg("reported failure overrode optimistic success before access grant")
			}
			// A failed renewal leaves any existing subscription untouched.
		}

		return updated, WebhookApplied, true, l.MarkEventStatus(ctx, attempt.ID, externalEventID, ledger.EventProcessed)
	}
	return attempt, WebhookNoop, false, nil
}

func (s *Service) enqueueReceipt(ctx context.Context, attempt ledger.PaymentAttempt, email string) {
	if s.tasks == nil {
		return
	}
	planID := ""
	if attempt.PlanID != nil {
		planID = *attempt.PlanID
	}
	tasks.EnqueueReceipt(ctx, s.tasks, tasks.ReceiptEmailPayload{
		AttemptID:   attempt.ID.String(),
		OwnerID:     attempt.OwnerID.String(),
		OwnerEmail:  email,
		Kind:        string(attempt.Kind),
		PlanID:      planID,
		AmountCents: attempt.AmountCents,
		Currency:    attempt.Currency,
		Status:      string(attempt.Status),
	}, s.cfg.ReceiptMaxRetry, s.log)
}

// Plans returns the purchasable plan catalog.
func (s *Service) Plans(ctx context.Context) ([]subscription.Plan, error) {
	return s.uow.Subscriptions().ListPlans(ctx)
}

// OwnerSubscription returns the caller's subscription. Owners without a
// row are projected as a free subscription rather than an error.
func (s *Service) OwnerSubscription(ctx context.Context, ownerID uuid.UUID) (subscription.Subscription, error) {
	sub, err := s.uow.Subscriptions().GetByOwner(ctx, ownerID)
	if errors.Is(err, subscription.ErrNotFound) {
		return subscription.Subscription{OwnerID: ownerID, Status: subscription.StatusFree}, nil
	}
	return sub, err
}

// PaymentHistory returns the owner's attempts, newest first.
func (s *Service) PaymentHistory(ctx context.Context, ownerID uuid.UUID, kind string, page, perPage int) ([]ledger.PaymentAttempt, int64, error) {
	offset := (page - 1) * perPage
	attempts, err := s.uow.Ledger().ListAttemptsByOwner(ctx, ownerID, kind, perPage, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.uow.Ledger().CountAttemptsByOwner(ctx, ownerID, kind)
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

// Anomalies returns recorded reconciliation anomalies for operators.
func (s *Service) Anomalies(ctx context.Context, page, perPage int) ([]ledger.Anomaly, int64, error) {
	offset := (page - 1) * perPage
	anomalies, err := s.uow.Ledger().ListAnomalies(ctx, perPage, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.uow.Ledger().CountAnomalies(ctx)
	if err != nil {
		return nil, 0, err
	}
	return anomalies, total, nil
}

// WebhookEvents returns the admitted event audit trail for operators.
func (s *Service) WebhookEvents(ctx context.Context, page, perPage int) ([]ledger.WebhookEventRecord, int64, error) {
	offset := (page - 1) * perPage
	events, err := s.uow.Ledger().ListWebhookEvents(ctx, perPage, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.uow.Ledger().CountWebhookEvents(ctx)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func errAttemptNotFound() error {
	return common.NewAppError("NOT_FOUND", "payment attempt not found", http.StatusNotFound, nil)
}

func resolveKind(raw, plan string) (ledger.Kind, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if strings.TrimSpace(plan) != "" {
			return ledger.KindSubscription, true
		}
		return ledger.KindOneOff, true
	}
	return ledger.ParseKind(raw)
}

// parseAmountCents converts a decimal-string amount into integer cents,
// rejecting zero, negative and sub-cent values.
func parseAmountCents(raw string) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, common.NewAppError("VALIDATION", "amount must be a decimal number", http.StatusUnprocessableEntity, err)
	}
	if !amount.IsPositive() {
		return 0, common.NewAppError("VALIDATION", "amount must be positive", http.StatusUnprocessableEntity, nil)
	}
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, common.NewAppError("VALIDATION", "amount has more than two decimal places", http.StatusUnprocessableEntity, nil)
	}
	return cents.IntPart(), nil
}
