package call

import "github.com/HMasataka/telecare/payload/signal"

// State is the negotiation engine's call state.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateChecking
	StateConnected
	StateReconnecting
	StateEnded
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further negotiation can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateFailed:
		return true
	}
	return false
}

// Establishing reports whether the state is one the establishment timeout
// guards against getting stuck in.
func (s State) Establishing() bool {
	switch s {
	case StateOffering, StateAnswering, StateChecking, StateReconnecting:
		return true
	}
	return false
}

// Status maps the engine state onto the shared status field.
func (s State) Status() signal.Status {
	switch s {
	case StateIdle:
		return signal.StatusPending
	case StateOffering, StateAnswering, StateChecking:
		return signal.StatusConnecting
	case StateConnected:
		return signal.StatusActive
	case StateReconnecting:
		return signal.StatusReconnecting
	case StateEnded:
		return signal.StatusEnded
	case StateRejected:
		return signal.StatusRejected
	default:
		return signal.StatusFailed
	}
}

var validTransitions = map[State][]State{
	StateIdle:         {StateOffering, StateAnswering, StateRejected, StateEnded},
	StateOffering:     {StateChecking, StateConnected, StateReconnecting, StateEnded, StateRejected, StateFailed},
	StateAnswering:    {StateChecking, StateConnected, StateReconnecting, StateEnded, StateFailed},
	StateChecking:     {StateConnected, StateReconnecting, StateEnded, StateRejected, StateFailed},
	StateConnected:    {StateReconnecting, StateEnded, StateFailed},
	StateReconnecting: {StateOffering, StateAnswering, StateChecking, StateConnected, StateEnded, StateFailed},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s State) CanTransition(next State) bool {
	for _, candidate := range validTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}
