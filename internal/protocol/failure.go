package protocol

import "fmt"

// FailurePhase classifies where in a negotiation an error occurred. The
// phase decides what the failure means for the contract: before any
// commitment was sent the aggregate simply returns to its prior stable
// state; after a commitment was sent the counterparty may act on it
// unilaterally, so the condition is surfaced for external monitoring rather
// than silently resolved.
type FailurePhase int

const (
	PhaseBeforeCommitment FailurePhase = iota + 1
	PhaseAfterCommitment
	PhasePeerRejected
)

func (p FailurePhase) String() string {
	switch p {
	case PhaseBeforeCommitment:
		return "before-commitment"
	case PhaseAfterCommitment:
		return "after-commitment"
	case PhasePeerRejected:
		return "peer-rejected"
	default:
		return "unknown"
	}
}

// Failure is a terminal protocol error tagged with its phase.
type Failure struct {
	Phase FailurePhase
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("protocol failed %s: %s", f.Phase, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// RequiresMonitoring reports whether a commitment is out with the peer while
// the negotiation died, meaning on-chain resolution may follow.
func (f *Failure) RequiresMonitoring() bool {
	return f.Phase == PhaseAfterCommitment
}

func failBefore(err error) *Failure {
	return &Failure{Phase: PhaseBeforeCommitment, Err: err}
}

func failAfter(err error) *Failure {
	return &Failure{Phase: PhaseAfterCommitment, Err: err}
}

func failRejected(err error) *Failure {
	return &Failure{Phase: PhasePeerRejected, Err: err}
}
