package orchestrator

import "fmt"

// State is one phase of a turn. A turn moves through
// Start, Retrieving, Deciding, zero or more ToolCalling/Deciding rounds,
// Responding, and terminates in Done or Error.
type State int

const (
	StateStart State = iota
	StateRetrieving
	StateDeciding
	StateToolCalling
	StateResponding
	StateDone
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateRetrieving:
		return "retrieving"
	case StateDeciding:
		return "deciding"
	case StateToolCalling:
		return "tool_calling"
	case StateResponding:
		return "responding"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the turn has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// transitions lists the legal successor states.
var transitions = map[State][]State{
	StateStart:       {StateRetrieving, StateError},
	StateRetrieving:  {StateDeciding, StateError},
	StateDeciding:    {StateToolCalling, StateResponding, StateError},
	StateToolCalling: {StateDeciding, StateResponding, StateError},
	StateResponding:  {StateDone, StateError},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks a turn's current state and rejects illegal moves.
// Transitions are driven by one goroutine per turn; no locking needed.
type machine struct {
	state State
}

// to advances the machine, panicking on an illegal transition. Illegal
// transitions are programming errors in the turn loop, never runtime input.
func (m *machine) to(next State) State {
	if !CanTransition(m.state, next) {
		panic(fmt.Sprintf("illegal state transition %s -> %s", m.state, next))
	}
	m.state = next
	return next
}
