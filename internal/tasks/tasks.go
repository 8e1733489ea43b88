package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task type names routed through the asynq broker.
const (
	TypeReceiptEmail = "billing:receipt_email"
)

// ReceiptEmailPayload carries everything the worker needs to send a receipt
// without re-reading the ledger.
type ReceiptEmailPayload struct {
	AttemptID   string `json:"attemptId"`
	OwnerID     string `json:"ownerId"`
	OwnerEmail  string `json:"ownerEmail"`
	Kind        string `json:"kind"`
	PlanID      string `json:"planId,omitempty"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// NewReceiptEmailTask builds the asynq task for a receipt notification.
func NewReceiptEmailTask(payload ReceiptEmailPayload, maxRetry int) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReceiptEmail, data, asynq.MaxRetry(maxRetry)), nil
}
