package transfer

import (
	"fmt"
	"time"
)

var transitions = map[State][]State{
	StateReceived:             {StateBidValidated, StateRejected, StateCancelled},
	StateBidValidated:         {StateSourceSubmitted, StateFailed, StateCancelled},
	StateSourceSubmitted:      {StateSourceSubmitted, StateSourceConfirmed, StateFailed},
	StateSourceConfirmed:      {StateDestinationSubmitted, StateFailed},
	StateDestinationSubmitted: {StateDestinationSubmitted, StateDestinationConfirmed, StateFailed},
}

// CanTransition reports whether the state machine permits from -> to.
// Self transitions on the submitted states model the Retrying substate.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event is the audit row appended for every persisted transition
type Event struct {
	TransferID string
	From       State
	To         State
	Reason     string
	At         time.Time
}

// ErrInvalidTransition is returned for transitions outside the state machine
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Advance moves the record to the next state, stamping timestamps.
// It returns the audit event describing the change.
func (r *Record) Advance(to State, reason string, now time.Time) (Event, error) {
	from := r.State
	if !CanTransition(from, to) {
		return Event{}, &ErrInvalidTransition{From: from, To: to}
	}

	r.State = to
	r.UpdatedAt = now
	if to.Terminal() {
		r.CompletedAt = &now
		r.Retrying = false
	}
	if reason != "" && to.Terminal() && to != StateDestinationConfirmed {
		r.Reason = &reason
	}
	if to == StateFailed {
		r.FailedFrom = &from
	}
	return Event{TransferID: r.TransferID, From: from, To: to, Reason: reason, At: now}, nil
}

// Fail moves the record to Failed and records the error that caused it
func (r *Record) Fail(reason string, cause error, now time.Time) (Event, error) {
	if cause != nil {
		msg := cause.Error()
		r.LastError = &msg
	}
	return r.Advance(StateFailed, reason, now)
}

// Note records a non-terminal event, such as a pin or a retry, against
// the current state.
func (r *Record) Note(reason string, now time.Time) Event {
	r.UpdatedAt = now
	return Event{TransferID: r.TransferID, From: r.State, To: r.State, Reason: reason, At: now}
}
