package billing

// The subscription lifecycle is an explicit transition table rather than
// conditionals scattered across handlers. Every status write in the
// orchestrator, cancellation handler and webhook reconciler consults it.
//
// Self-transitions are always allowed: webhook events are delivered at
// least once, and re-applying "set status to X" must stay a no-op.
var lifecycle = map[Status]map[Status]bool{
	StatusPending: {
		StatusActive:   true, // checkout completed
		StatusCanceled: true, // checkout abandoned or canceled before payment
	},
	StatusTrialing: {
		StatusActive:   true, // trial converted to paid
		StatusPastDue:  true, // converted but first charge failed
		StatusCanceled: true,
	},
	StatusActive: {
		StatusPastDue:  true,
		StatusCanceled: true,
	},
	StatusPastDue: {
		StatusActive:   true, // payment recovered
		StatusCanceled: true,
	},
	// canceled is terminal: a new subscribe intent creates a new row.
	StatusCanceled: {},
}

// CanTransition reports whether a status change is permitted by the
// subscription lifecycle. Identical from/to is always permitted.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	next, ok := lifecycle[from]
	if !ok {
		return false
	}
	return next[to]
}

// transition applies a status change to the subscription, returning
// ErrInvalidTransition when the lifecycle forbids it.
func (s *Subscription) transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return ErrInvalidTransition
	}
	s.Status = to
	return nil
}
