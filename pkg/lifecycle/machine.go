// Package lifecycle holds the spool-level state machines: the
// assembly/welding operation lifecycle, stateless inspection
// evaluation, and the bounded repair cycle.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/fabline/spooltrack/pkg/spool"
)

// Event drives an operation state machine.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// ErrInvalidTransition is a business-rule failure: the requested event
// is not legal from the current state. Never retried.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// transitions is the full operation lifecycle table:
// PENDING → IN_PROGRESS → PAUSED ⇄ IN_PROGRESS → COMPLETED, with
// cancel returning either active state to PENDING.
var transitions = map[spool.OpState]map[Event]spool.OpState{
	spool.OpPending: {
		EventStart: spool.OpInProgress,
	},
	spool.OpInProgress: {
		EventPause:    spool.OpPaused,
		EventComplete: spool.OpCompleted,
		EventCancel:   spool.OpPending,
	},
	spool.OpPaused: {
		EventStart:  spool.OpInProgress,
		EventCancel: spool.OpPending,
	},
	spool.OpCompleted: {},
}

// Transition validates and applies event against the table.
func Transition(state spool.OpState, event Event) (spool.OpState, error) {
	next, ok := transitions[state][event]
	if !ok {
		return state, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, state)
	}
	return next, nil
}

// CanComplete reports whether the complete guard holds: every union of
// the spool has a finish timestamp for op.
func CanComplete(p spool.Progress, op spool.Operation) bool {
	return p.Complete(op)
}
