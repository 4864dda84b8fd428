package session

import "fmt"

// transitions encodes the session state machine.
//
//	SCHEDULED -> ACTIVE | CANCELED | COMPLETED
//	ACTIVE    -> COMPLETED
//
// COMPLETED and CANCELED are final.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusActive, StatusCanceled, StatusCompleted},
	StatusActive:    {StatusCompleted},
	StatusCompleted: {},
	StatusCanceled:  {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new status, or an error
// describing the illegal step.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("session: illegal transition %s -> %s", from, to)
	}
	return to, nil
}
