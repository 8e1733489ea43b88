package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tripwise/backend-billing/internal/common"
	"github.com/tripwise/backend-billing/internal/gateway"
	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/obs"
)

// WebhookAck is the acknowledgement returned to the gateway. Result is a
// diagnostic tag, never inspected by the gateway.
type WebhookAck struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}

// Webhook processing results.
const (
	WebhookApplied       = "applied"
	WebhookNoop          = "noop"
	WebhookDuplicate     = "duplicate"
	WebhookAnomaly       = "anomaly"
	WebhookUnknownIntent = "unknown_intent"
	WebhookUnknownType   = "unknown_type"
)

// ProcessWebhook handles one gateway delivery. The signature is verified
// before anything else; after the event is durably admitted, the outcome is
// always an acknowledgement so the gateway stops redelivering. Only signature
// and envelope validation failures reject.
func (s *Service) ProcessWebhook(ctx context.Context, body []byte, signatureHeader string) (WebhookAck, error) {
	if err := gateway.VerifySignature(s.cfg.GatewayWebhookSecret, body, signatureHeader, s.cfg.SignatureTolerance, time.Now()); err != nil {
		obs.BillingWebhookTotal.WithLabelValues("unverified", "invalid_signature").Inc()
		return WebhookAck{}, common.NewAppError("INVALID_SIGNATURE", "webhook signature verification failed", http.StatusBadRequest, err)
	}

	event, err := gateway.ParseEvent(body)
	if err != nil {
		obs.BillingWebhookTotal.WithLabelValues("unverified", "invalid_payload").Inc()
		return WebhookAck{}, common.NewAppError("INVALID_PAYLOAD", "webhook payload is malformed", http.StatusBadRequest, err)
	}

	log := s.log.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	if event.Type == gateway.EventUnknown {
		obs.BillingWebhookTotal.WithLabelValues(string(event.Type), WebhookUnknownType).Inc()
		log.Info().Msg("unknown webhook event type acknowledged")
		return WebhookAck{Received: true, Result: WebhookUnknownType}, nil
	}

	// Cheap replay pre-filter. Read-only here: the key is only set after the
	// admit transaction commits, so a transient DB failure leaves redeliveries
	// free to retry. The unique constraint admitting the event is the
	// authority; a redis miss or outage just means more DB work.
	if s.seenRecently(ctx, event.ID) {
		obs.BillingWebhookTotal.WithLabelValues(string(event.Type), WebhookDuplicate).Inc()
		log.Debug().Msg("webhook replay short-circuited")
		return WebhookAck{Received: true, Result: WebhookDuplicate}, nil
	}

	outcome, ok := outcomeForEvent(event.Type)
	if !ok {
		obs.BillingWebhookTotal.WithLabelValues(string(event.Type), WebhookUnknownType).Inc()
		return WebhookAck{Received: true, Result: WebhookUnknownType}, nil
	}

	var (
		result    = WebhookNoop
		finalized ledger.PaymentAttempt
		applied   bool
	)
	err = s.uow.WithinTx(ctx, func(l LedgerStore, subs SubscriptionStore) error {
		attempt, err := l.GetAttemptByIntentForUpdate(ctx, event.IntentID)
		if errors.Is(err, ledger.ErrAttemptNotFound) {
			// A local creation race cannot be retried into existence, so the
			// event is acknowledged and only logged.
			result = WebhookUnknownIntent
			log.Warn().Str("intent_id", event.IntentID).Msg("webhook for unknown intent")
			return nil
		}
		if err != nil {
			return err
		}

		first, err := l.AdmitEvent(ctx, ledger.AdmitEventParams{
			AttemptID:       attempt.ID,
			ExternalEventID: event.ID,
			EventType:       string(event.Type),
			Source:          ledger.SourceWebhook,
			Payload:         event.Raw,
			SignatureValid:  true,
		})
		if err != nil {
			return err
		}
		if !first {
			result = WebhookDuplicate
			return nil
		}

		finalized, result, applied, err = s.reconcileLocked(ctx, l, subs, attempt, outcome, event.ID)
		return err
	})
	if err != nil {
		obs.BillingWebhookTotal.WithLabelValues(string(event.Type), "error").Inc()
		return WebhookAck{}, err
	}
	s.markSeen(ctx, event.ID)

	obs.BillingWebhookTotal.WithLabelValues(string(event.Type), result).Inc()
	if applied && finalized.Status == ledger.StatusSucceeded {
		// No authenticated caller here; the worker skips delivery when the
		// recipient cannot be resolved.
		s.enqueueReceipt(ctx, finalized, "")
	}
	return WebhookAck{Received: true, Result: result}, nil
}

// seenRecently reports whether the event id was already marked in redis.
// Errors degrade to "not seen".
func (s *Service) seenRecently(ctx context.Context, eventID string) bool {
	if s.redis == nil {
		return false
	}
	n, err := s.redis.Exists(ctx, replayKey(eventID)).Result()
	if err != nil {
		s.log.Debug().Err(err).Msg("webhook replay filter unavailable")
		return false
	}
	return n > 0
}

// markSeen records the event id once processing has durably completed.
func (s *Service) markSeen(ctx context.Context, eventID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.SetNX(ctx, replayKey(eventID), "1", s.cfg.WebhookReplayTTL).Err(); err != nil {
		s.log.Debug().Err(err).Msg("webhook replay mark failed")
	}
}

func replayKey(eventID string) string {
	return "billing:webhook:evt:" + eventID
}

func outcomeForEvent(t gateway.EventType) (ledger.Outcome, bool) {
	switch t {
	case gateway.EventIntentSucceeded:
		return ledger.OutcomeSucceeded, true
	case gateway.EventIntentFailed:
		return ledger.OutcomeFailed, true
	case gateway.EventRefundIssued:
		return ledger.OutcomeRefunded, true
	default:
		return "", false
	}
}
