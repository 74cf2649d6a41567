package execution

// State is the caller-side view of a job. It mirrors the latest known
// scheduler or runner status and is not authoritative.
type State string

const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateError    State = "error"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateIdle:
		return next == StateQueued || next == StateError
	case StateQueued:
		return next == StateRunning || next == StateError
	case StateRunning:
		return next == StateComplete || next == StateError
	default:
		return false
	}
}
