package billing

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tripwise/backend-billing/internal/common"
	"github.com/tripwise/backend-billing/internal/gateway"
	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/subscription"
)

const maxWebhookBody = 1 << 20

// Handler exposes the billing HTTP surface.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type createIntentReq struct {
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
	Kind     string `json:"kind" validate:"omitempty,oneof=subscription one_off other"`
	Plan     string `json:"plan" validate:"omitempty,max=64"`
}

type createIntentResp struct {
	AttemptID    string `json:"attemptId"`
	ClientSecret string `json:"clientSecret"`
	Status       string `json:"status"`
}

type confirmReq struct {
	PaymentMethodRef string `json:"paymentMethodRef"`
}

type attemptResp struct {
	AttemptID   string     `json:"attemptId"`
	Kind        string     `json:"kind"`
	Plan        *string    `json:"plan,omitempty"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

func toAttemptResp(a ledger.PaymentAttempt) attemptResp {
	return attemptResp{
		AttemptID:   a.ID.String(),
		Kind:        string(a.Kind),
		Plan:        a.PlanID,
		Amount:      decimal.NewFromInt(a.AmountCents).Shift(-2).StringFixed(2),
		Currency:    a.Currency,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		FinalizedAt: a.FinalizedAt,
	}
}

// CreateIntent opens a payment intent for the authenticated owner.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	var req createIntentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "invalid payment request", err.Error())
		return
	}

	result, err := h.Svc.CreateIntent(r.Context(), ownerID, CreateIntentInput{
		Amount:   req.Amount,
		Currency: req.Currency,
		Kind:     req.Kind,
		Plan:     req.Plan,
	})
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, createIntentResp{
		AttemptID:    result.Attempt.ID.String(),
		ClientSecret: result.ClientSecret,
		Status:       string(result.Attempt.Status),
	})
}

// Confirm finalizes a pending attempt against the gateway's reported state.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	attemptID := strings.TrimSpace(chi.URLParam(r, "attemptId"))
	if attemptID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "attemptId is required", nil)
		return
	}
	// The confirmation material is accepted for interface compatibility but
	// never trusted; the gateway is re-queried for the authoritative state.
	var req confirmReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	attempt, err := h.Svc.Confirm(r.Context(), ownerID, attemptID)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toAttemptResp(attempt))
}

// History lists the owner's payment attempts.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind != "" {
		if _, ok := ledger.ParseKind(kind); !ok {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown kind filter", nil)
			return
		}
	}
	page, perPage := common.ParsePagination(r, h.Svc.cfg.HistoryPageSize)
	attempts, total, err := h.Svc.PaymentHistory(r.Context(), ownerID, kind, page, perPage)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	items := make([]attemptResp, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, toAttemptResp(a))
	}
	common.JSON(w, http.StatusOK, common.ListEnvelope{
		Data:       items,
		Pagination: common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

type planResp struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Price        string `json:"price"`
	Currency     string `json:"currency"`
	IntervalDays int    `json:"intervalDays"`
}

// Plans lists the purchasable plan catalog. Public, no auth required.
func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Svc.Plans(r.Context())
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	items := make([]planResp, 0, len(plans))
	for _, p := range plans {
		items = append(items, planResp{
			ID:           p.ID,
			Name:         p.Name,
			Price:        decimal.NewFromInt(p.PriceCents).Shift(-2).StringFixed(2),
			Currency:     p.Currency,
			IntervalDays: p.IntervalDays,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

type subscriptionResp struct {
	PlanID             string     `json:"planId,omitempty"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	Active             bool       `json:"active"`
}

// MySubscription returns the caller's subscription state.
func (h *Handler) MySubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	sub, err := h.Svc.OwnerSubscription(r.Context(), ownerID)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	resp := subscriptionResp{
		PlanID: sub.PlanID,
		Status: string(sub.Status),
		Active: sub.ActiveAt(time.Now()),
	}
	if sub.Status != subscription.StatusFree {
		resp.CurrentPeriodStart = &sub.CurrentPeriodStart
		resp.CurrentPeriodEnd = &sub.CurrentPeriodEnd
	}
	common.JSON(w, http.StatusOK, resp)
}

// Webhook ingests one gateway event delivery.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body", nil)
		return
	}
	ack, err := h.Svc.ProcessWebhook(r.Context(), body, r.Header.Get(gateway.SignatureHeader))
	if err != nil {
		if _, ok := common.AsAppError(err); ok {
			common.JSONAppError(w, err)
			return
		}
		// Untyped failures are transient; a 5xx makes the gateway redeliver.
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook processing failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, ack)
}

type anomalyResp struct {
	ID              string          `json:"id"`
	AttemptID       string          `json:"attemptId"`
	ExternalEventID string          `json:"externalEventId"`
	Kind            string          `json:"kind"`
	Detail          json.RawMessage `json:"detail"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Anomalies lists recorded reconciliation anomalies for operators.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, h.Svc.cfg.HistoryPageSize)
	anomalies, total, err := h.Svc.Anomalies(r.Context(), page, perPage)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	items := make([]anomalyResp, 0, len(anomalies))
	for _, a := range anomalies {
		items = append(items, anomalyResp{
			ID:              a.ID.String(),
			AttemptID:       a.AttemptID.String(),
			ExternalEventID: a.ExternalEventID,
			Kind:            a.Kind,
			Detail:          a.Detail,
			CreatedAt:       a.CreatedAt,
		})
	}
	common.JSON(w, http.StatusOK, common.ListEnvelope{
		Data:       items,
		Pagination: common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

type webhookEventResp struct {
	ID              string     `json:"id"`
	AttemptID       string     `json:"attemptId"`
	ExternalEventID string     `json:"externalEventId"`
	EventType       string     `json:"eventType"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	ReceivedAt      time.Time  `json:"receivedAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
}

// WebhookEvents lists the admitted event audit trail for operators.
func (h *Handler) WebhookEvents(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, h.Svc.cfg.HistoryPageSize)
	events, total, err := h.Svc.WebhookEvents(r.Context(), page, perPage)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	items := make([]webhookEventResp, 0, len(events))
	for _, e := range events {
		items = append(items, webhookEventResp{
			ID:              e.ID.String(),
			AttemptID:       e.AttemptID.String(),
			ExternalEventID: e.ExternalEventID,
			EventType:       e.EventType,
			Source:          string(e.Source),
			Status:          e.Status,
			ReceivedAt:      e.ReceivedAt,
			ProcessedAt:     e.ProcessedAt,
		})
	}
	common.JSON(w, http.StatusOK, common.ListEnvelope{
		Data:       items,
		Pagination: common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

func ownerFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(raw) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return uuid.Nil, false
	}
	ownerID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid user", nil)
		return uuid.Nil, false
	}
	return ownerID, true
}
