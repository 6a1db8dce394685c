package session

import (
	"fmt"
	"sync"
	"time"
)

// State is a worker's lifecycle state. Closed and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateNegotiating
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// transitions lists the allowed successors of each state. Nothing leads
// back to an earlier live state.
var transitions = map[State][]State{
	StateIdle:           {StateConnecting, StateClosing},
	StateConnecting:     {StateNegotiating, StateAuthenticating, StateClosing, StateFailed},
	StateNegotiating:    {StateReady, StateClosing, StateFailed},
	StateAuthenticating: {StateReady, StateClosing, StateFailed},
	StateReady:          {StateClosing, StateFailed},
	StateClosing:        {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type stateMachine struct {
	mu          sync.Mutex
	current     State
	reason      string
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
	now         func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	return &stateMachine{current: StateIdle, now: now}
}

// set moves to state if the table allows it. onChange runs under the lock
// so that whatever it queues is ordered the same way as the transitions.
func (sm *stateMachine) set(to State, reason string, onChange func(StateTransition)) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	from := sm.current
	if !canTransition(from, to) {
		return false
	}
	tr := StateTransition{From: from, To: to, Timestamp: sm.now(), Reason: reason}
	sm.current = to
	sm.reason = reason
	sm.transitions[sm.head] = tr
	sm.head = (sm.head + 1) % stateTransitionBufferSize
	if sm.count < stateTransitionBufferSize {
		sm.count++
	}
	if onChange != nil {
		onChange(tr)
	}
	return true
}

func (sm *stateMachine) get() (State, string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current, sm.reason
}

// history returns transitions oldest first.
func (sm *stateMachine) history() []StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.count == 0 {
		return nil
	}
	result := make([]StateTransition, sm.count)
	if sm.count < stateTransitionBufferSize {
		copy(result, sm.transitions[:sm.count])
	} else {
		n := copy(result, sm.transitions[sm.head:])
		copy(result[n:], sm.transitions[:sm.head])
	}
	return result
}
