package registry

import "fmt"

// State is the registration lifecycle state of a server or proxy.
type State string

const (
	// StatePending: registered, awaiting first heartbeat.
	StatePending State = "PENDING"
	// StateActive: heartbeats current.
	StateActive State = "ACTIVE"
	// StateUnavailable: heartbeat timeout exceeded; retained for the
	// reclaim window.
	StateUnavailable State = "UNAVAILABLE"
	// StateReleased: identifier and all associated slots freed. Terminal.
	StateReleased State = "RELEASED"
)

var legalTransitions = map[State][]State{
	StatePending:     {StateActive, StateUnavailable, StateReleased},
	StateActive:      {StateUnavailable, StateReleased},
	StateUnavailable: {StateActive, StateReleased},
	StateReleased:    {},
}

// CanTransition reports whether moving from one state to another is
// legal. Transitions themselves are driven externally by heartbeat
// receipt, timeout detection, and explicit shutdown decisions.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine validates lifecycle transitions for one entity.
type StateMachine struct {
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StatePending}
}

func (m *StateMachine) Current() State { return m.state }

// Transition moves to the requested state if legal; otherwise the
// machine stays in its prior state and ErrIllegalTransition is
// returned.
func (m *StateMachine) Transition(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}
	m.state = to
	return nil
}

// ForceSet bypasses validation. Used only when restoring an entity
// from persisted storage, where the stored state is authoritative.
func (m *StateMachine) ForceSet(s State) { m.state = s }
