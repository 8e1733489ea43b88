package billing

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwise/backend-billing/internal/ledger"
	"github.com/tripwise/backend-billing/internal/subscription"
)

// LedgerStore is the slice of ledger persistence the billing service drives.
type LedgerStore interface {
	CreateAttempt(ctx context.Context, params ledger.CreateAttemptParams) (ledger.PaymentAttempt, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (ledger.PaymentAttempt, error)
	GetAttemptForUpdate(ctx context.Context, id uuid.UUID) (ledger.PaymentAttempt, error)
	GetAttemptByIntentForUpdate(ctx context.Context, externalIntentID string) (ledger.PaymentAttempt, error)
	ListAttemptsByOwner(ctx context.Context, ownerID uuid.UUID, kind string, limit, offset int) ([]ledger.PaymentAttempt, error)
	CountAttemptsByOwner(ctx context.Context, ownerID uuid.UUID, kind string) (int64, error)
	ApplyTransition(ctx context.Context, id uuid.UUID, from, to ledger.Status, eventID string) (bool, error)
	GrantAccess(ctx context.Context, id uuid.UUID) error
	AdmitEvent(ctx context.Context, params ledger.AdmitEventParams) (bool, error)
	MarkEventStatus(ctx context.Context, attemptID uuid.UUID, externalEventID, status string) error
	InsertAnomaly(ctx context.Context, params ledger.InsertAnomalyParams) error
	ListWebhookEvents(ctx context.Context, limit, offset int) ([]ledger.WebhookEventRecord, error)
	CountWebhookEvents(ctx context.Context) (int64, error)
	ListAnomalies(ctx context.Context, limit, offset int) ([]ledger.Anomaly, error)
	CountAnomalies(ctx context.Context) (int64, error)
}

// SubscriptionStore is the slice of subscription persistence the service drives.
type SubscriptionStore interface {
	subscription.MachineStore
	ListPlans(ctx context.Context) ([]subscription.Plan, error)
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (subscription.Subscription, error)
}

// UnitOfWork provides store access, plain or inside one atomic transaction.
// The admit+transition critical section runs through WithinTx so an
// idempotency admission and its state mutation commit or roll back as a unit.
type UnitOfWork interface {
	Ledger() LedgerStore
	Subscriptions() SubscriptionStore
	WithinTx(ctx context.Context, fn func(l LedgerStore, s SubscriptionStore) error) error
}

// PgUnitOfWork implements UnitOfWork over a pgx connection pool.
type PgUnitOfWork struct {
	pool *pgxpool.Pool
}

// NewPgUnitOfWork constructs a PgUnitOfWork.
func NewPgUnitOfWork(pool *pgxpool.Pool) *PgUnitOfWork {
	return &PgUnitOfWork{pool: pool}
}

// Ledger returns a pool-backed ledger store.
func (u *PgUnitOfWork) Ledger() LedgerStore {
	return ledger.NewStore(u.pool)
}

// Subscriptions returns a pool-backed subscription store.
func (u *PgUnitOfWork) Subscriptions() SubscriptionStore {
	return subscription.NewStore(u.pool)
}

// WithinTx runs fn with transaction-bound stores and commits on success.
func (u *PgUnitOfWork) WithinTx(ctx context.Context, fn func(l LedgerStore, s SubscriptionStore) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ledger.NewStore(tx), subscription.NewStore(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// anomalyDetail renders the standard anomaly detail document.
func anomalyDetail(current ledger.Status, reported ledger.Outcome, accessGranted bool) json.RawMessage {
	doc, _ := json.Marshal(map[string]any{
		"current":        string(current),
		"reported":       string(reported),
		"access_granted": accessGranted,
	})
	return doc
}
