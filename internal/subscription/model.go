package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Status of an owner's subscription.
type Status string

const (
	// StatusFree is never stored; it is the projection for owners without a row.
	StatusFree     Status = "free"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Plan describes a purchasable subscription tier.
type Plan struct {
	ID           string
	Name         string
	PriceCents   int64
	Currency     string
	IntervalDays int
	CreatedAt    time.Time
}

// PeriodEnd computes the end of a billing period starting at the given time.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	return start.Add(time.Duration(p.IntervalDays) * 24 * time.Hour)
}

// Subscription is the single per-owner subscription row.
type Subscription struct {
	ID                 uuid.UUID
	OwnerID            uuid.UUID
	PlanID             string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	LastAttemptID      *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ActiveAt reports whether the subscription grants access at the given time.
func (s Subscription) ActiveAt(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.CurrentPeriodEnd)
}
