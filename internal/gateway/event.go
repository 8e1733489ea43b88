package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the webhook event types this core understands. The set
// is closed: anything else parses as EventUnknown and is acknowledged without
// side effects.
type EventType string

const (
	EventIntentSucceeded EventType = "intent.succeeded"
	EventIntentFailed    EventType = "intent.failed"
	EventRefundIssued    EventType = "refund.issued"
	EventUnknown         EventType = "unknown"
)

// Event is the normalised webhook envelope after signature verification.
type Event struct {
	ID          string
	Type        EventType
	IntentID    string
	AmountCents int64
	Currency    string
	Created     time.Time
	Raw         json.RawMessage
}

type eventEnvelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	IntentID string `json:"intent_id"`
	Payload  struct {
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	} `json:"payload"`
}

// ParseEvent decodes the webhook body into an Event. Unknown types are not an
// error; they surface as EventUnknown so the processor can acknowledge them.
func ParseEvent(body []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("gateway: decode event: %w", err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return Event{}, errors.New("gateway: event missing id")
	}
	if strings.TrimSpace(envelope.IntentID) == "" && parseEventType(envelope.Type) != EventUnknown {
		return Event{}, errors.New("gateway: event missing intent id")
	}
	amount, _ := envelope.Payload.Amount.Int64()
	event := Event{
		ID:          envelope.ID,
		Type:        parseEventType(envelope.Type),
		IntentID:    envelope.IntentID,
		AmountCents: amount,
		Currency:    strings.ToUpper(envelope.Payload.Currency),
		Raw:         json.RawMessage(body),
	}
	if envelope.Created > 0 {
		event.Created = time.Unix(envelope.Created, 0)
	}
	return event, nil
}

func parseEventType(raw string) EventType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(EventIntentSucceeded), "payment_intent.succeeded":
		return EventIntentSucceeded
	case string(EventIntentFailed), "payment_intent.payment_failed":
		return EventIntentFailed
	case string(EventRefundIssued), "charge.refunded":
		return EventRefundIssued
	default:
		return EventUnknown
	}
}
