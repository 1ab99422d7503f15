package negotiator

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a participant is moved to a state
// not reachable from its current one.
var ErrIllegalTransition = errors.New("negotiator: illegal transition")

// State is the negotiation state of one remote participant.
type State int

const (
	Idle State = iota
	Offered
	Answered
	Connected
	Disconnected
)

var stateNames = [...]string{"idle", "offered", "answered", "connected", "disconnected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Offered and Answered may repeat: a second offer can be written or answered
// before the connection comes up. Connected to Connected is an answered
// renegotiation.
var transitions = map[State][]State{
	Idle:      {Offered, Answered, Disconnected},
	Offered:   {Offered, Answered, Connected, Disconnected},
	Answered:  {Answered, Connected, Disconnected},
	Connected: {Offered, Connected, Disconnected},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
