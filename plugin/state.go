package plugin

// State is the lifecycle position of one task invocation.
//
//	PENDING → SKIPPED
//	PENDING → RUNNING → COMPLETED | FAILED
type State string

const (
	StatePending   State = "pending"
	StateSkipped   State = "skipped"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsValidState returns true if s names a State
func IsValidState(s string) bool {
	switch State(s) {
	case StatePending, StateSkipped, StateRunning, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateSkipped || s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from → to is a legal step
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateSkipped || to == StateRunning
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}
