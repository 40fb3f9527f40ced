// Package session owns the connection lifecycle of a sync client: the state
// machine, its observable transitions and the per-connection session data.
package session

import "fmt"

// State is a connection lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Initial
	Catchup
	Live
	Error
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Initial:      "initial",
	Catchup:      "catchup",
	Live:         "live",
	Error:        "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Connected reports whether a transport is up in this state.
func (s State) Connected() bool {
	return s == Initial || s == Catchup || s == Live
}

// transitions lists the allowed targets per state. Every connected state may
// fall into error or be closed by the caller.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Initial, Error, Disconnected},
	Initial:      {Catchup, Live, Error, Disconnected},
	Catchup:      {Live, Error, Disconnected},
	Live:         {Error, Disconnected},
	Error:        {Connecting, Disconnected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
