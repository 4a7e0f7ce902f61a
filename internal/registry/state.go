// ABOUTME: Connection lifecycle states and the legal transition table.
// ABOUTME: States move one way: pending -> approved/rejected -> active -> closed.

package registry

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a connection.
type State int

const (
	StatePending State = iota
	StateApproved
	StateRejected
	StateActive
	StateClosed
)

// String returns the wire form of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateClosed
}

// ParseState converts a wire-form state string back into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "approved":
		return StateApproved, nil
	case "rejected":
		return StateRejected, nil
	case "active":
		return StateActive, nil
	case "closed":
		return StateClosed, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

// MarshalJSON encodes the state as its wire string.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire string into a State.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Reasons recorded when the gateway itself decides a connection's fate.
// Operator rejections carry free-form reasons instead.
const (
	ReasonTimeout     = "timeout"
	ReasonRateLimited = "rate_limited"
	ReasonRelayIO     = "relay_io"
	ReasonShutdown    = "shutdown"
)

// legalTransitions maps each state to the states it may move to.
var legalTransitions = map[State][]State{
	StatePending:  {StateApproved, StateRejected},
	StateApproved: {StateActive, StateClosed},
	StateActive:   {StateClosed},
	StateRejected: {},
	StateClosed:   {},
}

// canTransition reports whether from -> to is a legal lifecycle move.
func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
