package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tripwise/backend-billing/internal/resilience"
)

// StripeClient talks to a Stripe-compatible payment intent API over HTTP.
// Calls carry a bounded timeout and are never retried here; retry policy
// belongs to the caller, and the confirm/create paths deliberately surface
// upstream failures instead of retrying inside a critical section.
type StripeClient struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.Breaker
}

// NewStripeClient constructs a gateway client from explicit configuration.
func NewStripeClient(cfg Config, breaker *resilience.Breaker) *StripeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type intentPayload struct {
	ID           string      `json:"id"`
	ClientSecret string      `json:"client_secret"`
	Status       string      `json:"status"`
	Amount       json.Number `json:"amount"`
	Currency     string      `json:"currency"`
}

type gatewayErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateIntent opens a new payment intent with the gateway.
func (c *StripeClient) CreateIntent(ctx context.Context, params CreateIntentParams) (Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountCents, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	for key, value := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}
	return c.do(ctx, http.MethodPost, "/v1/payment_intents", strings.NewReader(form.Encode()))
}

// RetrieveIntent fetches the authoritative current state of an intent.
func (c *StripeClient) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Intent{}, errors.New("gateway: intent id is required")
	}
	return c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil)
}

func (c *StripeClient) do(ctx context.Context, method, path string, body io.Reader) (Intent, error) {
	if c == nil || c.http == nil {
		return Intent{}, errors.New("gateway: client not configured")
	}
	if c.breaker != nil && !c.breaker.Allow(ctx) {
		return Intent{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(callCtx, method, endpoint, body)
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.report(ctx, false)
		return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.report(ctx, false)
		return Intent{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.report(ctx, true)
		return Intent{}, ErrIntentNotFound
	case resp.StatusCode >= 500:
		c.report(ctx, false)
		return Intent{}, fmt.Errorf("%w: gateway returned %s", ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		c.report(ctx, true)
		var gwErr gatewayErrorPayload
		if err := json.Unmarshal(raw, &gwErr); err == nil && gwErr.Error.Message != "" {
			return Intent{}, fmt.Errorf("gateway: %s (%s)", gwErr.Error.Message, gwErr.Error.Code)
		}
		return Intent{}, fmt.Errorf("gateway: request rejected with %s", resp.Status)
	}

	var payload intentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.report(ctx, false)
		return Intent{}, fmt.Errorf("gateway: decode response: %w", err)
	}
	c.report(ctx, true)

	amount, _ := payload.Amount.Int64()
	return Intent{
		ID:           payload.ID,
		ClientSecret: payload.ClientSecret,
		Status:       normaliseIntentStatus(payload.Status),
		AmountCents:  amount,
		Currency:     strings.ToUpper(payload.Currency),
	}, nil
}

func (c *StripeClient) timeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return 10 * time.Second
}

func (c *StripeClient) report(ctx context.Context, success bool) {
	if c.breaker != nil {
		c.breaker.Report(ctx, success)
	}
}

func normaliseIntentStatus(status string) IntentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded":
		return IntentStatusSucceeded
	case "processing":
		return IntentStatusProcessing
	case "canceled", "cancelled":
		return IntentStatusCanceled
	default:
		return IntentStatusRequiresAction
	}
}
