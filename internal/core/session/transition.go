package session

import (
	"time"

	"github.com/zeusync/tasksync/internal/core/lsn"
)

// Transition is one observable session event. The set of implementations is
// closed: StateChanged, PositionConfirmed and ChangeRejected.
type Transition interface {
	isTransition()
	Time() time.Time
}

// StateChanged reports a lifecycle move. Failure is set when To is Error.
type StateChanged struct {
	From    State
	To      State
	At      time.Time
	Failure *Failure
}

// PositionConfirmed reports that the client durably confirmed a position.
type PositionConfirmed struct {
	LSN lsn.LSN
	At  time.Time
}

// ChangeRejected reports a local change that will not be retried
// automatically, either because the server refused it or because its
// delivery attempts ran out.
type ChangeRejected struct {
	ChangeID  string
	Table     string
	Operation string
	Failure   *Failure
	At        time.Time
}

func (StateChanged) isTransition()      {}
func (PositionConfirmed) isTransition() {}
func (ChangeRejected) isTransition()    {}

func (t StateChanged) Time() time.Time      { return t.At }
func (t PositionConfirmed) Time() time.Time { return t.At }
func (t ChangeRejected) Time() time.Time    { return t.At }
