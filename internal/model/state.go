package model

// State is a run's position in its controller's state machine.
type State string

// Run states. Completed, killed and error are terminal.
const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateCompleted State = "completed"
	StateKilled    State = "killed"
	StateError     State = "error"
)

// IsTerminal reports whether no further transitions can follow s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateKilled, StateError:
		return true
	}
	return false
}

// validTransitions maps each recorded status to the statuses it may move to.
var validTransitions = map[State]map[State]bool{
	StateStarting: {
		StateRunning:   true,
		StateCompleted: true,
		StateKilled:    true,
		StateError:     true,
	},
	StateRunning: {
		StateSuspended: true,
		StateCompleted: true,
		StateKilled:    true,
		StateError:     true,
	},
	StateSuspended: {
		StateRunning: true,
		StateKilled:  true,
		StateError:   true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
