package campaign

// State is the lifecycle state of a campaign scenario on a factory.
type State int32

const (
	StateRequested State = iota
	StateAssigned
	StateDeclared
	StateMinionAssigned
	StateRampUpReady
	StateWarm
	StateRunning
	StateShuttingDown
	StateAborting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "REQUESTED"
	case StateAssigned:
		return "ASSIGNED"
	case StateDeclared:
		return "DECLARED"
	case StateMinionAssigned:
		return "MINION_ASSIGNED"
	case StateRampUpReady:
		return "RAMP_UP_READY"
	case StateWarm:
		return "WARM"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateAborting:
		return "ABORTING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// IsTeardown reports whether the state belongs to the teardown branch.
func (s State) IsTeardown() bool {
	return s == StateShuttingDown || s == StateAborting || s == StateTerminated
}

// CanAdvanceTo reports whether a transition from s to next is legal.
//
// The startup states only move forward (skipping is allowed since a factory
// does not take part in every phase of every scenario). Teardown is reachable
// from any state that is not yet terminated, and TERMINATED is final.
func (s State) CanAdvanceTo(next State) bool {
	switch {
	case s == StateTerminated:
		return false
	case next.IsTeardown():
		if s == StateAborting && next == StateShuttingDown {
			return false
		}
		return next >= s || !s.IsTeardown()
	case s.IsTeardown():
		return false
	default:
		return next > s
	}
}
