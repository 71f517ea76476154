package subscription

import (
	"fmt"

	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
)

// State is the lifecycle state of a subscription.
type State string

const (
	StateUnresolved State = "unresolved"
	StateActive     State = "active"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// transitions lists the allowed moves. Closed and Failed are terminal.
var transitions = map[State][]State{
	StateUnresolved: {StateActive, StateFailed, StateClosed},
	StateActive:     {StateClosed},
	StateClosed:     {},
	StateFailed:     {},
}

// ValidateTransition checks whether moving from one state to another is
// allowed.
func ValidateTransition(from, to State) *ngsi.Error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return ngsi.NewLifecycleError(fmt.Sprintf("invalid transition from %s to %s", from, to))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
