package task

import "fmt"

// State is a position in the transfer task state machine.
type State string

const (
	StateReceived                   State = "RECEIVED"
	StateInProgress                 State = "IN_PROGRESS"
	StateInProgressWithGeneratedURL State = "IN_PROGRESS_WITH_GENERATED_URL"
	StateCompleted                  State = "COMPLETED"
	StateFailed                     State = "FAILED"
	StateCancelled                  State = "CANCELLED"
)

// States lists every state in a stable order.
var States = []State{
	StateReceived,
	StateInProgress,
	StateInProgressWithGeneratedURL,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

var edges = map[State][]State{
	StateReceived: {
		StateInProgress,
		StateInProgressWithGeneratedURL,
		StateFailed,
		StateCancelled,
	},
	StateInProgress: {
		StateCompleted,
		StateFailed,
		StateCancelled,
	},
	StateInProgressWithGeneratedURL: {
		StateCompleted,
		StateFailed,
		StateCancelled,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further mutation is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether a transfer is running for the task.
func (s State) Active() bool {
	return s == StateInProgress || s == StateInProgressWithGeneratedURL
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// TransitionError is returned for edges outside the state machine.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}
