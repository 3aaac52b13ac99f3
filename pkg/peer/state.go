package peer

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a transport session.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

var validTransitions = map[State][]State{
	StateNew:        {StateConnecting, StateConnected, StateClosed, StateFailed},
	StateConnecting: {StateConnected, StateClosed, StateFailed},
	StateConnected:  {StateOpen, StateClosed, StateFailed},
	StateOpen:       {StateClosed, StateFailed},
}

// StateMachine guards session state transitions.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if allowed and returns the previous state.
func (m *StateMachine) Transition(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	for _, allowed := range validTransitions[prev] {
		if allowed == next {
			m.state = next
			return prev, nil
		}
	}
	return prev, fmt.Errorf("invalid session state transition %s -> %s", prev, next)
}
