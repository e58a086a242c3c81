// Package reconcile models the post-run usage reconciliation state machine.
package reconcile

import "fmt"

// State is a reconciliation state.
type State string

const (
	StateStarted    State = "started"
	StatePolling    State = "polling"
	StateReconciled State = "reconciled"
	StateDegraded   State = "degraded"
)

var transitions = map[State][]State{
	StateStarted: {StatePolling, StateDegraded},
	StatePolling: {StateReconciled, StateDegraded},
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateReconciled || s == StateDegraded
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine tracks one reconciliation.
type Machine struct {
	state State
}

// NewMachine returns a machine in StateStarted.
func NewMachine() *Machine {
	return &Machine{state: StateStarted}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Transition moves to next or returns an error if the move is not allowed.
func (m *Machine) Transition(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("reconcile: invalid transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}

// Outcome summarizes a finished reconciliation.
type Outcome struct {
	RunID     string `json:"run_id"`
	State     State  `json:"state"`
	Fetched   int    `json:"fetched"`
	Matched   int    `json:"matched"`
	Committed int    `json:"committed"`
	Reason    string `json:"reason,omitempty"`
}
