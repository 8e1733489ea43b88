package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAttemptNotFound indicates no payment attempt matches the lookup.
var ErrAttemptNotFound = errors.New("ledger: attempt not found")

// ErrIntentConflict indicates another attempt already owns the external
// intent id. Intent ids are gateway-generated, so this only fires on a bug or
// a duplicated gateway response.
var ErrIntentConflict = errors.New("ledger: external intent already recorded")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so the same queries run
// standalone or inside the admit+transition transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides ledger persistence over hand-written SQL.
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

const attemptColumns = `id, owner_id, external_intent_id, kind, plan_id, amount_cents, currency, status, access_granted, last_processed_event_id, created_at, finalized_at`

// CreateAttemptParams carries the fields for a new pending attempt.
type CreateAttemptParams struct {
	OwnerID          uuid.UUID
	ExternalIntentID string
	Kind             Kind
	PlanID           *string
	AmountCents      int64
	Currency         string
}

// CreateAttempt inserts a new pending attempt and returns the stored row.
func (s *Store) CreateAttempt(ctx context.Context, params CreateAttemptParams) (PaymentAttempt, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO payment_attempts (owner_id, external_intent_id, kind, plan_id, amount_cents, currency)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+attemptColumns,
		params.OwnerID, params.ExternalIntentID, string(params.Kind), params.PlanID, params.AmountCents, params.Currency)
	attempt, err := scanAttempt(row)
	if err != nil {
		if isUniqueViolation(err) {
			return PaymentAttempt{}, ErrIntentConflict
		}
		return PaymentAttempt{}, err
	}
	return attempt, nil
}

// GetAttempt fetches an attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (PaymentAttempt, error) {
	row := s.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
	return mapNotFound(scanAttempt(row))
}

// GetAttemptForUpdate fetches an attempt by id and takes its row lock. Must
// run inside a transaction.
func (s *Store) GetAttemptForUpdate(ctx context.Context, id uuid.UUID) (PaymentAttempt, error) {
	row := s.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1 FOR UPDATE`, id)
	return mapNotFound(scanAttempt(row))
}

// GetAttemptByIntentForUpdate locates an attempt by its external intent id
// and takes its row lock. Must run inside a transaction.
func (s *Store) GetAttemptByIntentForUpdate(ctx context.Context, externalIntentID string) (PaymentAttempt, error) {
	row := s.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE external_intent_id = $1 FOR UPDATE`, externalIntentID)
	return mapNotFound(scanAttempt(row))
}

// ListAttemptsByOwner returns the owner's attempts, newest first, optionally
// filtered by kind.
func (s *Store) ListAttemptsByOwner(ctx context.Context, ownerID uuid.UUID, kind string, limit, offset int) ([]PaymentAttempt, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if kind != "" {
		rows, err = s.db.Query(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE owner_id = $1 AND kind = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`, ownerID, kind, limit, offset)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]PaymentAttempt, 0, limit)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// CountAttemptsByOwner counts the owner's attempts, optionally by kind.
func (s *Store) CountAttemptsByOwner(ctx context.Context, ownerID uuid.UUID, kind string) (int64, error) {
	var total int64
	var err error
	if kind != "" {
		err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payment_attempts WHERE owner_id = $1 AND kind = $2`, ownerID, kind).Scan(&total)
	} else {
		err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payment_attempts WHERE owner_id = $1`, ownerID).Scan(&total)
	}
	return total, err
}

// ApplyTransition moves an attempt from one status to another with a
// compare-and-swap on the current status. The finalization timestamp is set
// only on the first terminal transition and preserved afterwards. Returns
// false when the attempt was no longer in the expected status.
func (s *Store) ApplyTransition(ctx context.Context, id uuid.UUID, from, to Status, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE payment_attempts
SET status = $3,
    finalized_at = COALESCE(finalized_at, now()),
    last_processed_event_id = $4
WHERE id = $1 AND status = $2`, id, string(from), string(to), eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GrantAccess marks the attempt as having produced externally visible
// effects. After this point a conflicting webhook becomes an anomaly instead
// of an override.
func (s *Store) GrantAccess(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE payment_attempts SET access_granted = TRUE WHERE id = $1`, id)
	return err
}

// AdmitEventParams carries the fields for admitting an idempotency key.
type AdmitEventParams struct {
	AttemptID       uuid.UUID
	ExternalEventID string
	EventType       string
	Source          EventSource
	Payload         json.RawMessage
	SignatureValid  bool
}

// AdmitEvent records the (attempt, external event) pair. The unique
// constraint on the pair is the idempotency authority: a second admit of the
// same pair reports first=false and leaves the original row untouched.
func (s *Store) AdmitEvent(ctx context.Context, params AdmitEventParams) (first bool, err error) {
	payload := params.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO webhook_events (attempt_id, external_event_id, event_type, source, payload, signature_valid)
VALUES ($1, $2, $3, $4, $5, $6)`,
		params.AttemptID, params.ExternalEventID, params.EventType, string(params.Source), payload, params.SignatureValid)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkEventStatus stamps an admitted event as processed or ignored.
func (s *Store) MarkEventStatus(ctx context.Context, attemptID uuid.UUID, externalEventID, status string) error {
	_, err := s.db.Exec(ctx, `UPDATE webhook_events SET status = $3, processed_at = now() WHERE attempt_id = $1 AND external_event_id = $2`, attemptID, externalEventID, status)
	return err
}

// ListWebhookEvents returns admitted events, newest first.
func (s *Store) ListWebhookEvents(ctx context.Context, limit, offset int) ([]WebhookEventRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT id, attempt_id, external_event_id, event_type, source, payload, signature_valid, status, received_at, processed_at
FROM webhook_events ORDER BY received_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]WebhookEventRecord, 0, limit)
	for rows.Next() {
		var rec WebhookEventRecord
		var source string
		var processedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.AttemptID, &rec.ExternalEventID, &rec.EventType, &source, &rec.Payload, &rec.SignatureValid, &rec.Status, &rec.ReceivedAt, &processedAt); err != nil {
			return nil, err
		}
		rec.Source = EventSource(source)
		if processedAt.Valid {
			t := processedAt.Time
			rec.ProcessedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountWebhookEvents counts all admitted events.
func (s *Store) CountWebhookEvents(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`).Scan(&total)
	return total, err
}

// InsertAnomalyParams carries the fields for a recorded anomaly.
type InsertAnomalyParams struct {
	AttemptID       uuid.UUID
	ExternalEventID string
	Kind            string
	Detail          json.RawMessage
}

// InsertAnomaly records a reconciliation disagreement.
func (s *Store) InsertAnomaly(ctx context.Context, params InsertAnomalyParams) error {
	detail := params.Detail
	if detail == nil {
		detail = json.RawMessage(`{}`)
	}
	_, err := s.db.Exec(ctx, `INSERT INTO payment_anomalies (attempt_id, external_event_id, kind, detail)
VALUES ($1, $2, $3, $4)`, params.AttemptID, params.ExternalEventID, params.Kind, detail)
	return err
}

// ListAnomalies returns recorded anomalies, newest first.
func (s *Store) ListAnomalies(ctx context.Context, limit, offset int) ([]Anomaly, error) {
	rows, err := s.db.Query(ctx, `SELECT id, attempt_id, external_event_id, kind, detail, created_at
FROM payment_anomalies ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anomalies := make([]Anomaly, 0, limit)
	for rows.Next() {
		var a Anomaly
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.ExternalEventID, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// CountAnomalies counts recorded anomalies.
func (s *Store) CountAnomalies(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payment_anomalies`).Scan(&total)
	return total, err
}

func scanAttempt(row pgx.Row) (PaymentAttempt, error) {
	var (
		attempt     PaymentAttempt
		kind        string
		status      string
		planID      sql.NullString
		lastEvent   sql.NullString
		finalizedAt sql.NullTime
	)
	err := row.Scan(&attempt.ID, &attempt.OwnerID, &attempt.ExternalIntentID, &kind, &planID, &attempt.AmountCents, &attempt.Currency, &status, &attempt.AccessGranted, &lastEvent, &attempt.CreatedAt, &finalizedAt)
	if err != nil {
		return PaymentAttempt{}, err
	}
	attempt.Kind = Kind(kind)
	attempt.Status = Status(status)
	if planID.Valid {
		attempt.PlanID = &planID.String
	}
	if lastEvent.Valid {
		attempt.LastProcessedEventID = &lastEvent.String
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		attempt.FinalizedAt = &t
	}
	return attempt, nil
}

func mapNotFound(attempt PaymentAttempt, err error) (PaymentAttempt, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentAttempt{}, ErrAttemptNotFound
	}
	return attempt, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
