package ledger

// Outcome is the payment result a gateway event or status query reports.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRefunded  Outcome = "refunded"
)

// Action is what the caller must do with a reported outcome.
type Action int

const (
	// ActionApply transitions the attempt to Decision.Next.
	ActionApply Action = iota
	// ActionNoop acknowledges the report without touching the attempt.
	ActionNoop
	// ActionAnomaly records Decision.AnomalyKind and leaves the attempt as is.
	ActionAnomaly
)

// Decision is the reconciler verdict for one (current, reported) pair.
type Decision struct {
	Action      Action
	Next        Status
	AnomalyKind string
	// Override marks the one transition that rewinds a terminal state:
	// a webhook-reported failure displacing an optimistic success before any
	// access was granted. The finalization timestamp is preserved.
	Override bool
}

// Decide reconciles a reported outcome against the current attempt state.
// It is a pure function; persisting the verdict is the caller's job, inside
// the same transaction that admitted the event.
//
// The gateway report is authoritative over the optimistic confirm path, but
// only while the success has had no externally visible effect. Once access
// was granted, a contradicting failure becomes an anomaly for a human, never
// an automatic revert.
func Decide(current Status, reported Outcome, accessGranted bool) Decision {
	switch current {
	case StatusPending:
		switch reported {
		case OutcomeSucceeded:
			return Decision{Action: ActionApply, Next: StatusSucceeded}
		case OutcomeFailed:
			return Decision{Action: ActionApply, Next: StatusFailed}
		case OutcomeRefunded:
			return Decision{Action: ActionAnomaly, AnomalyKind: AnomalyRefundWithoutSuccess}
		}
	case StatusSucceeded:
		switch reported {
		case OutcomeSucceeded:
			return Decision{Action: ActionNoop}
		case OutcomeFailed:
			if accessGranted {
				return Decision{Action: ActionAnomaly, AnomalyKind: AnomalyConflictingOutcome}
			}
			return Decision{Action: ActionApply, Next: StatusFailed, Override: true}
		case OutcomeRefunded:
			return Decision{Action: ActionApply, Next: StatusRefunded}
		}
	case StatusFailed:
		switch reported {
		case OutcomeSucceeded, OutcomeFailed:
			return Decision{Action: ActionNoop}
		case OutcomeRefunded:
			return Decision{Action: ActionAnomaly, AnomalyKind: AnomalyRefundWithoutSuccess}
		}
	case StatusRefunded:
		// Refunded is fully terminal; late reports are already-terminal noise.
		return Decision{Action: ActionNoop}
	}
	return Decision{Action: ActionNoop}
}
