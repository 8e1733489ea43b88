package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/tripwise/backend-billing/internal/gateway"
	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/subscription"
)

// memStores is an in-memory UnitOfWork covering both store interfaces. The
// fake is not transactional; tests drive single-threaded scenarios where the
// commit/rollback distinction does not matter.
type memStores struct {
	mu        sync.Mutex
	attempts  map[uuid.UUID]*ledger.PaymentAttempt
	byIntent  map[string]uuid.UUID
	events    map[string]*ledger.WebhookEventRecord
	anomalies []ledger.Anomaly
	plans     map[string]subscription.Plan
	subs      map[uuid.UUID]*subscription.Subscription
}

func newMemStores() *memStores {
	return &memStores{
		attempts: make(map[uuid.UUID]*ledger.PaymentAttempt),
		byIntent: make(map[string]uuid.UUID),
		events:   make(map[string]*ledger.WebhookEventRecord),
		plans:    make(map[string]subscription.Plan),
		subs:     make(map[uuid.UUID]*subscription.Subscription),
	}
}

func (m *memStores) Ledger() LedgerStore               { return m }
func (m *memStores) Subscriptions() SubscriptionStore  { return m }
func (m *memStores) WithinTx(ctx context.Context, fn func(l LedgerStore, s SubscriptionStore) error) error {
	return fn(m, m)
}

func eventKey(attemptID uuid.UUID, eventID string) string {
	return attemptID.String() + "|" + eventID
}

func (m *memStores) CreateAttempt(_ context.Context, params ledger.CreateAttemptParams) (ledger.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIntent[params.ExternalIntentID]; ok {
		return ledger.PaymentAttempt{}, ledger.ErrIntentConflict
	}
	attempt := ledger.PaymentAttempt{
		ID:               uuid.New(),
		OwnerID:          params.OwnerID,
		ExternalIntentID: params.ExternalIntentID,
		Kind:             params.Kind,
		PlanID:           params.PlanID,
		AmountCents:      params.AmountCents,
		Currency:         params.Currency,
		Status:           ledger.StatusPending,
		CreatedAt:        time.Now(),
	}
	m.attempts[attempt.ID] = &attempt
	m.byIntent[attempt.ExternalIntentID] = attempt.ID
	return attempt, nil
}

func (m *memStores) GetAttempt(_ context.Context, id uuid.UUID) (ledger.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[id]
	if !ok {
		return ledger.PaymentAttempt{}, ledger.ErrAttemptNotFound
	}
	return *attempt, nil
}

func (m *memStores) GetAttemptForUpdate(ctx context.Context, id uuid.UUID) (ledger.PaymentAttempt, error) {
	return m.GetAttempt(ctx, id)
}

func (m *memStores) GetAttemptByIntentForUpdate(_ context.Context, externalIntentID string) (ledger.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIntent[externalIntentID]
	if !ok {
		return ledger.PaymentAttempt{}, ledger.ErrAttemptNotFound
	}
	return *m.attempts[id], nil
}

func (m *memStores) ListAttemptsByOwner(_ context.Context, ownerID uuid.UUID, kind string, limit, offset int) ([]ledger.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.PaymentAttempt
	for _, a := range m.attempts {
		if a.OwnerID == ownerID && (kind == "" || string(a.Kind) == kind) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStores) CountAttemptsByOwner(_ context.Context, ownerID uuid.UUID, kind string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, a := range m.attempts {
		if a.OwnerID == ownerID && (kind == "" || string(a.Kind) == kind) {
			total++
		}
	}
	return total, nil
}

func (m *memStores) ApplyTransition(_ context.Context, id uuid.UUID, from, to ledger.Status, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[id]
	if !ok || attempt.Status != from {
		return false, nil
	}
	attempt.Status = to
	if attempt.FinalizedAt == nil {
		now := time.Now()
		attempt.FinalizedAt = &now
	}
	attempt.LastProcessedEventID = &eventID
	return true, nil
}

func (m *memStores) GrantAccess(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if attempt, ok := m.attempts[id]; ok {
		attempt.AccessGranted = true
	}
	return nil
}

func (m *memStores) AdmitEvent(_ context.Context, params ledger.AdmitEventParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(params.AttemptID, params.ExternalEventID)
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	m.events[key] = &ledger.WebhookEventRecord{
		ID:              uuid.New(),
		AttemptID:       params.AttemptID,
		ExternalEventID: params.ExternalEventID,
		EventType:       params.EventType,
		Source:          params.Source,
		Payload:         params.Payload,
		SignatureValid:  params.SignatureValid,
		ReceivedAt:      time.Now(),
	}
	return true, nil
}

func (m *memStores) MarkEventStatus(_ context.Context, attemptID uuid.UUID, externalEventID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.events[eventKey(attemptID, externalEventID)]; ok {
		rec.Status = status
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (m *memStores) InsertAnomaly(_ context.Context, params ledger.InsertAnomalyParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, ledger.Anomaly{
		ID:              uuid.New(),
		AttemptID:       params.AttemptID,
		ExternalEventID: params.ExternalEventID,
		Kind:            params.Kind,
		Detail:          params.Detail,
		CreatedAt:       time.Now(),
	})
	return nil
}

func (m *memStores) ListWebhookEvents(_ context.Context, limit, offset int) ([]ledger.WebhookEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.WebhookEventRecord, 0, len(m.events))
	for _, rec := range m.events {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (m *memStores) CountWebhookEvents(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

func (m *memStores) ListAnomalies(_ context.Context, limit, offset int) ([]ledger.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Anomaly(nil), m.anomalies...), nil
}

func (m *memStores) CountAnomalies(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.anomalies)), nil
}

func (m *memStores) ListPlans(_ context.Context) ([]subscription.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]subscription.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (m *memStores) GetPlan(_ context.Context, id string) (subscription.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return subscription.Plan{}, subscription.ErrPlanNotFound
	}
	return plan, nil
}

func (m *memStores) GetByOwner(_ context.Context, ownerID uuid.UUID) (subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[ownerID]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return *sub, nil
}

func (m *memStores) UpsertActive(_ context.Context, params subscription.UpsertActiveParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subs[params.OwnerID]
	if ok && existing.Status == subscription.StatusActive && existing.LastAttemptID != nil && *existing.LastAttemptID == params.AttemptID {
		return false, nil
	}
	attemptID := params.AttemptID
	m.subs[params.OwnerID] = &subscription.Subscription{
		ID:                 uuid.New(),
		OwnerID:            params.OwnerID,
		PlanID:             params.PlanID,
		Status:             subscription.StatusActive,
		CurrentPeriodStart: params.PeriodStart,
		CurrentPeriodEnd:   params.PeriodEnd,
		LastAttemptID:      &attemptID,
	}
	return true, nil
}

func (m *memStores) Cancel(_ context.Context, ownerID, attemptID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[ownerID]
	if !ok {
		return false, nil
	}
	if sub.Status == subscription.StatusCanceled && sub.LastAttemptID != nil && *sub.LastAttemptID == attemptID {
		return false, nil
	}
	id := attemptID
	sub.Status = subscription.StatusCanceled
	sub.CurrentPeriodEnd = time.Now()
	sub.LastAttemptID = &id
	return true, nil
}

// fakeGateway scripts the upstream responses.
type fakeGateway struct {
	mu          sync.Mutex
	nextIntent  gateway.Intent
	createErr   error
	intents     map[string]gateway.Intent
	retrieveErr error
	createCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: make(map[string]gateway.Intent)}
}

func (f *fakeGateway) CreateIntent(_ context.Context, params gateway.CreateIntentParams) (gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return gateway.Intent{}, f.createErr
	}
	intent := f.nextIntent
	if intent.ID == "" {
		intent = gateway.Intent{
			ID:           "pi_" + uuid.NewString()[:8],
			ClientSecret: "secret_test",
			Status:       gateway.IntentStatusRequiresAction,
			AmountCents:  params.AmountCents,
			Currency:     params.Currency,
		}
	}
	f.intents[intent.ID] = intent
	return intent, nil
}

func (f *fakeGateway) RetrieveIntent(_ context.Context, intentID string) (gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return gateway.Intent{}, f.retrieveErr
	}
	intent, ok := f.intents[intentID]
	if !ok {
		return gateway.Intent{}, gateway.ErrIntentNotFound
	}
	return intent, nil
}

func (f *fakeGateway) setIntentStatus(intentID string, status gateway.IntentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent := f.intents[intentID]
	intent.Status = status
	f.intents[intentID] = intent
}

// fakeEnqueuer records enqueued tasks.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
