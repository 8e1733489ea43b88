package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPlanNotFound indicates the plan id is not in the catalog.
var ErrPlanNotFound = errors.New("subscription: plan not found")

// ErrNotFound indicates the owner has no subscription row.
var ErrNotFound = errors.New("subscription: not found")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides plan and subscription persistence.
type Store struct {
	db DBTX
}

// NewStore constructs a Store backed by a pgx pool or transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the given transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

// ListPlans returns the plan catalog ordered by price.
func (s *Store) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, price_cents, currency, interval_days, created_at FROM plans ORDER BY price_cents ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]Plan, 0, 8)
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Currency, &p.IntervalDays, &p.CreatedAt); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (Plan, error) {
	var p Plan
	err := s.db.QueryRow(ctx, `SELECT id, name, price_cents, currency, interval_days, created_at FROM plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.Currency, &p.IntervalDays, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, ErrPlanNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	return p, nil
}

const subscriptionColumns = `id, owner_id, plan_id, status, current_period_start, current_period_end, last_attempt_id, created_at, updated_at`

// GetByOwner fetches the owner's subscription.
func (s *Store) GetByOwner(ctx context.Context, ownerID uuid.UUID) (Subscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1`, ownerID)
	return scanSubscription(row)
}

// UpsertActiveParams carries the fields for an activation.
type UpsertActiveParams struct {
	OwnerID     uuid.UUID
	PlanID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	AttemptID   uuid.UUID
}

// UpsertActive activates or renews the owner's subscription. The attempt id
// guard makes repeated application for the same attempt a no-op; applied
// reports whether this call changed the row.
func (s *Store) UpsertActive(ctx context.Context, params UpsertActiveParams) (applied bool, err error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO subscriptions (owner_id, plan_id, status, current_period_start, current_period_end, last_attempt_id)
VALUES ($1, $2, 'active', $3, $4, $5)
ON CONFLICT (owner_id) DO UPDATE
SET plan_id = EXCLUDED.plan_id,
    status = 'active',
    current_period_start = EXCLUDED.current_period_start,
    current_period_end = EXCLUDED.current_period_end,
    last_attempt_id = EXCLUDED.last_attempt_id,
    updated_at = now()
WHERE NOT (subscriptions.status = 'active' AND subscriptions.last_attempt_id = EXCLUDED.last_attempt_id)`,
		params.OwnerID, params.PlanID, params.PeriodStart, params.PeriodEnd, params.AttemptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel ends the owner's subscription effective immediately. Repeated
// application for the same attempt is a no-op; a missing subscription
// reports applied=false without error.
func (s *Store) Cancel(ctx context.Context, ownerID, attemptID uuid.UUID) (applied bool, err error) {
	tag, err := s.db.Exec(ctx, `UPDATE subscriptions
SET status = 'canceled',
    current_period_end = LEAST(current_period_end, now()),
    last_attempt_id = $2,
    updated_at = now()
WHERE owner_id = $1 AND NOT (status = 'canceled' AND last_attempt_id = $2)`, ownerID, attemptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkLapsedPastDue flags active subscriptions whose paid period has ended.
// Run from the maintenance sweep; a later renewal through UpsertActive
// restores the row to active.
func (s *Store) MarkLapsedPastDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE subscriptions
SET status = 'past_due', updated_at = now()
WHERE status = 'active' AND current_period_end < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub           Subscription
		status        string
		lastAttemptID uuid.NullUUID
	)
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.PlanID, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &lastAttemptID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	sub.Status = Status(status)
	if lastAttemptID.Valid {
		v := lastAttemptID.UUID
		sub.LastAttemptID = &v
	}
	return sub, nil
}
