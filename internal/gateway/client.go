package gateway

import (
	"context"
	"errors"
	"time"
)

// Config carries the connection settings for the payment gateway. It is passed
// explicitly into the client at construction; there is no package-level state.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// IntentStatus is the gateway-reported lifecycle status of a payment intent.
type IntentStatus string

const (
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusProcessing     IntentStatus = "processing"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusCanceled       IntentStatus = "canceled"
)

// Intent is the minimal view of a gateway payment intent used by the core.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountCents  int64
	Currency     string
}

// CreateIntentParams captures the inputs for opening an intent with the gateway.
type CreateIntentParams struct {
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// ErrUnavailable indicates the gateway could not be reached or timed out.
// Callers surface it as a retryable upstream failure without local state change.
var ErrUnavailable = errors.New("gateway: unavailable")

// ErrIntentNotFound indicates the gateway does not know the intent identifier.
var ErrIntentNotFound = errors.New("gateway: intent not found")

// Client abstracts the payment gateway operations required by the billing core.
type Client interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
}
