// Package oms implements the order-management state machine: validated
// transitions, fill accounting, and id/clientOrderId/brokerOrderId indices
// over every order from creation through terminal state (§4.C).
package oms

import (
	"fmt"
)

// OrderState is the current lifecycle state of a managed order.
type OrderState string

const (
	StateCreated    OrderState = "CREATED"
	StatePending    OrderState = "PENDING"
	StateValidating OrderState = "VALIDATING"
	StateSubmitting OrderState = "SUBMITTING"
	StateSubmitted  OrderState = "SUBMITTED"
	StatePartial    OrderState = "PARTIAL"
	StateFilled     OrderState = "FILLED"
	StateCancelled  OrderState = "CANCELLED"
	StateRejected   OrderState = "REJECTED"
	StateExpired    OrderState = "EXPIRED"
	StateFailed     OrderState = "FAILED"
)

// Event is the named trigger of a state transition.
type Event string

const (
	EventQueue       Event = "QUEUE"
	EventValidate    Event = "VALIDATE"
	EventSubmit      Event = "SUBMIT"
	EventAcknowledge Event = "ACKNOWLEDGE"
	EventPartialFill Event = "PARTIAL_FILL"
	EventFill        Event = "FILL"
	EventCancel      Event = "CANCEL"
	EventReject      Event = "REJECT"
	EventExpire      Event = "EXPIRE"
	EventFail        Event = "FAIL"
)

// terminalStates is the set of states from which no further transition is possible.
var terminalStates = map[OrderState]bool{
	StateFilled:    true,
	StateCancelled: true,
	StateRejected:  true,
	StateExpired:   true,
	StateFailed:    true,
}

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s OrderState) bool {
	return terminalStates[s]
}

// activeStates is the set of non-terminal, post-creation states.
var activeStates = []OrderState{StatePending, StateValidating, StateSubmitting, StateSubmitted, StatePartial}

// nonTerminalStates lists every state FAIL may originate from.
var nonTerminalStates = []OrderState{
	StateCreated, StatePending, StateValidating, StateSubmitting, StateSubmitted, StatePartial,
}

// StateTransition defines one valid (from, event) -> to edge.
type StateTransition struct {
	From  OrderState
	To    OrderState
	Event Event
}

// ValidTransitions is the authoritative transition table (§4.C).
var ValidTransitions = buildTransitions()

func buildTransitions() []StateTransition {
	var t []StateTransition
	t = append(t, StateTransition{StateCreated, StatePending, EventQueue})
	t = append(t, StateTransition{StatePending, StateValidating, EventValidate})
	t = append(t, StateTransition{StatePending, StateSubmitting, EventSubmit})
	t = append(t, StateTransition{StateValidating, StateSubmitting, EventSubmit})
	t = append(t, StateTransition{StateSubmitting, StateSubmitted, EventAcknowledge})
	t = append(t, StateTransition{StateSubmitted, StatePartial, EventPartialFill})
	t = append(t, StateTransition{StatePartial, StatePartial, EventPartialFill})
	t = append(t, StateTransition{StateSubmitted, StateFilled, EventFill})
	t = append(t, StateTransition{StatePartial, StateFilled, EventFill})
	for _, from := range activeStates {
		t = append(t, StateTransition{from, StateCancelled, EventCancel})
	}
	for _, from := range []OrderState{StateCreated, StatePending, StateValidating, StateSubmitting} {
		t = append(t, StateTransition{from, StateRejected, EventReject})
	}
	t = append(t, StateTransition{StateSubmitted, StateExpired, EventExpire})
	t = append(t, StateTransition{StatePartial, StateExpired, EventExpire})
	for _, from := range nonTerminalStates {
		t = append(t, StateTransition{from, StateFailed, EventFail})
	}
	return t
}

// transitionLookup provides O(1) lookup: map[from][to][event]bool, the same
// precomputed-map idiom the position state machine this is generalized from
// uses, built once in init().
var transitionLookup map[OrderState]map[OrderState]map[Event]bool

func init() {
	transitionLookup = make(map[OrderState]map[OrderState]map[Event]bool)
	for _, tr := range ValidTransitions {
		if transitionLookup[tr.From] == nil {
			transitionLookup[tr.From] = make(map[OrderState]map[Event]bool)
		}
		if transitionLookup[tr.From][tr.To] == nil {
			transitionLookup[tr.From][tr.To] = make(map[Event]bool)
		}
		transitionLookup[tr.From][tr.To][tr.Event] = true
	}
}

// IsDefined reports whether (from, event) -> to is a defined edge.
func IsDefined(from, to OrderState, event Event) bool {
	toMap, ok := transitionLookup[from]
	if !ok {
		return false
	}
	events, ok := toMap[to]
	if !ok {
		return false
	}
	return events[event]
}

// ErrInvalidTransition is returned when an (from, event) pair has no defined target.
type ErrInvalidTransition struct {
	From  OrderState
	To    OrderState
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	if e.To == "" {
		return fmt.Sprintf("no transition from %s on event %s", e.From, e.Event)
	}
	return fmt.Sprintf("invalid transition from %s to %s on event %s", e.From, e.To, e.Event)
}

// resolve finds the (from, event) -> to edge, or an error if there is none.
// It returns the first match and does not check for ambiguity.
func resolve(from OrderState, event Event) (OrderState, error) {
	toMap := transitionLookup[from]
	for to, events := range toMap {
		if events[event] {
			return to, nil
		}
	}
	return "", &ErrInvalidTransition{From: from, Event: event}
}
