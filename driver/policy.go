package driver

import "alma.local/hybrid/config"

// State is the driver's position in its run lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateConverged
	StateExhausted
	StateViolationFound
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateConverged:
		return "Converged"
	case StateExhausted:
		return "Exhausted"
	case StateViolationFound:
		return "ViolationFound"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Decision is the termination policy's verdict after a round.
type Decision struct {
	Stop   bool
	Reason State // one of the terminal states when Stop is true
}

var decisionContinue = Decision{}

// TerminationPolicy decides whether the run stops, as a pure function of the
// iteration history and the configuration. Reasons are checked in strict
// precedence order: violation-stop, then budget exhaustion, then coverage
// convergence. A round that both exhausts the budget and finds a violation
// therefore reports the violation, since that is the actionable outcome.
type TerminationPolicy struct{}

// Decide evaluates the history after a completed round.
func (TerminationPolicy) Decide(history []IterationRecord, cfg config.Config) Decision {
	if len(history) == 0 {
		return decisionContinue
	}
	last := history[len(history)-1]

	if cfg.StopOnViolation && last.NewViolations > 0 {
		return Decision{Stop: true, Reason: StateViolationFound}
	}
	if cfg.MaxIters > 0 && last.Iteration >= cfg.MaxIters {
		return Decision{Stop: true, Reason: StateExhausted}
	}
	// Coverage fixed point: neither backend grew coverage this round.
	if last.NewCoverage() == 0 {
		return Decision{Stop: true, Reason: StateConverged}
	}
	return decisionContinue
}
