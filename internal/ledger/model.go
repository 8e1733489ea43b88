package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a payment attempt. Transitions only move
// forward: pending -> succeeded|failed, succeeded -> refunded. The single
// exception is the webhook override of an optimistic confirm (see Decide).
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether the status admits no further transition other than
// the succeeded -> refunded edge.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRefunded
}

// Kind classifies what the payment pays for.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindOneOff       Kind = "one_off"
	KindOther        Kind = "other"
)

// ParseKind maps a request string onto a known kind.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case KindSubscription, KindOneOff, KindOther:
		return Kind(raw), true
	default:
		return "", false
	}
}

// EventSource distinguishes which finalization path admitted an event.
type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourceConfirm EventSource = "confirm"
)

// Processing statuses recorded on admitted events.
const (
	EventProcessed = "processed"
	EventIgnored   = "ignored"
)

// Anomaly kinds recorded when reconciliation detects a disagreement that must
// not be auto-corrected.
const (
	AnomalyConflictingOutcome   = "conflicting_outcome"
	AnomalyRefundWithoutSuccess = "refund_without_success"
)

// PaymentAttempt is the ledger entry for one payment lifecycle, tied to one
// external gateway intent. Attempts are never deleted.
type PaymentAttempt struct {
	ID                   uuid.UUID
	OwnerID              uuid.UUID
	ExternalIntentID     string
	Kind                 Kind
	PlanID               *string
	AmountCents          int64
	Currency             string
	Status               Status
	AccessGranted        bool
	LastProcessedEventID *string
	CreatedAt            time.Time
	FinalizedAt          *time.Time
}

// WebhookEventRecord is the audit row for an admitted event or confirm call.
type WebhookEventRecord struct {
	ID              uuid.UUID
	AttemptID       uuid.UUID
	ExternalEventID string
	EventType       string
	Source          EventSource
	Payload         json.RawMessage
	SignatureValid  bool
	Status          string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// Anomaly records a reconciliation disagreement for operator review.
type Anomaly struct {
	ID              uuid.UUID
	AttemptID       uuid.UUID
	ExternalEventID string
	Kind            string
	Detail          json.RawMessage
	CreatedAt       time.Time
}
