package dkg

import "fmt"

// UnexpectedPhaseErr is returned when a message cannot be processed in the
// keygen's current phase. The session answers these with a not-ready reply so
// the peers exchange message history and catch up.
type UnexpectedPhaseErr struct {
	Expected Phase
	Actual   Phase
}

func (e UnexpectedPhaseErr) Error() string {
	return fmt.Sprintf("unexpected phase: expected %s, actual %s", e.Expected, e.Actual)
}

// MissingPartErr is returned when a message references a contribution the
// keygen has not seen. Recovered the same way as UnexpectedPhaseErr.
type MissingPartErr struct {
	Participant int
}

func (e MissingPartErr) Error() string {
	return fmt.Sprintf("missing contribution from participant %d", e.Participant)
}

// StalledErr is returned by the timed phase transition when participants are
// blocking progress. The session reports them as a failure observation.
type StalledErr struct {
	Phase Phase
}

func (e StalledErr) Error() string {
	return fmt.Sprintf("key generation stalled in phase %s", e.Phase)
}

// FinalizationMismatchErr signals a corrupted outcome, produced when two
// sessions with the same id collided. Recovered by reporting failure.
type FinalizationMismatchErr struct {
	Detail string
}

func (e FinalizationMismatchErr) Error() string {
	return fmt.Sprintf("finalization mismatch: %s", e.Detail)
}
