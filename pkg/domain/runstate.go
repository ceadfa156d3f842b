package domain

// RunState is the process-wide lifecycle state. It governs whether new
// processes may be spawned and whether loops may fetch new work.
type RunState int

const (
	RunStateStarting RunState = iota
	RunStateRunning
	RunStateDraining
	RunStateStopped
)

// String returns the state name
func (s RunState) String() string {
	switch s {
	case RunStateStarting:
		return "starting"
	case RunStateRunning:
		return "running"
	case RunStateDraining:
		return "draining"
	case RunStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AcceptsWork reports whether spawning and fetching are allowed in this state.
func (s RunState) AcceptsWork() bool {
	return s == RunStateStarting || s == RunStateRunning
}
