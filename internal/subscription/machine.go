package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MachineStore is the persistence slice the state machine drives. *Store
// satisfies it; tests may substitute a fake.
type MachineStore interface {
	GetPlan(ctx context.Context, id string) (Plan, error)
	UpsertActive(ctx context.Context, params UpsertActiveParams) (bool, error)
	Cancel(ctx context.Context, ownerID, attemptID uuid.UUID) (bool, error)
}

// Machine applies subscription transitions in response to finalized payment
// attempts. Every method is idempotent per attempt id and is meant to run
// inside the caller's transaction, on the same connection that holds the
// attempt's row lock.
type Machine struct {
	log zerolog.Logger
}

// NewMachine constructs a Machine.
func NewMachine(log zerolog.Logger) *Machine {
	return &Machine{log: log}
}

// Activate sets the owner's subscription to active on the given plan with a
// billing period starting at the attempt's finalization time. Reapplying for
// the same attempt id changes nothing.
func (m *Machine) Activate(ctx context.Context, store MachineStore, ownerID uuid.UUID, planID string, attemptID uuid.UUID, finalizedAt time.Time) (bool, error) {
	plan, err := store.GetPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	applied, err := store.UpsertActive(ctx, UpsertActiveParams{
		OwnerID:     ownerID,
		PlanID:      plan.ID,
		PeriodStart: finalizedAt,
		PeriodEnd:   plan.PeriodEnd(finalizedAt),
		AttemptID:   attemptID,
	})
	if err != nil {
		return false, err
	}
	if applied {
		m.log.Info().
			Str("owner_id", ownerID.String()).
			Str("plan_id", plan.ID).
			Str("attempt_id", attemptID.String()).
			Time("period_end", plan.PeriodEnd(finalizedAt)).
			Msg("subscription activated")
	}
	return applied, nil
}

// Cancel ends the owner's subscription effective immediately, used when a
// subscription payment is refunded. A missing subscription is a no-op.
func (m *Machine) Cancel(ctx context.Context, store MachineStore, ownerID, attemptID uuid.UUID) (bool, error) {
	applied, err := store.Cancel(ctx, ownerID, attemptID)
	if err != nil {
		return false, err
	}
	if applied {
		m.log.Info().
			Str("owner_id", ownerID.String()).
			Str("attempt_id", attemptID.String()).
			Msg("subscription canceled")
	}
	return applied, nil
}
