// Package outbox queues locally originated mutations until the server
// confirms it applied them.
package outbox

import (
	"errors"
	"time"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

var (
	ErrNotFound     = errors.New("outbox entry not found")
	ErrInvalidEntry = errors.New("invalid outbox entry")
)

// ReasonAckTimeout marks entries that exhausted their delivery attempts.
const ReasonAckTimeout = "ack timeout"

// Entry is one queued local mutation.
type Entry struct {
	ID        string             `json:"id"`
	Seq       int64              `json:"seq"`
	Table     string             `json:"table"`
	Operation protocol.Operation `json:"operation"`
	Data      protocol.Record    `json:"data"`
	// LSN is the position the mutation was made against; the server assigns
	// the authoritative one when it applies the change.
	LSN                  lsn.LSN   `json:"lsn"`
	Attempts             int       `json:"attempts"`
	AcknowledgedByServer bool      `json:"acknowledgedByServer"`
	AppliedByServer      bool      `json:"appliedByServer"`
	Failed               bool      `json:"failed"`
	FailureReason        string    `json:"failureReason,omitempty"`
	EnqueuedAt           time.Time `json:"enqueuedAt"`
	LastSentAt           time.Time `json:"lastSentAt"`
	LastMessageID        string    `json:"lastMessageId,omitempty"`
}

// Change renders the entry as a wire change. The payload is identical on
// every attempt.
func (e Entry) Change() protocol.TableChange {
	return protocol.TableChange{
		ID:        e.ID,
		Table:     e.Table,
		Operation: e.Operation,
		Data:      e.Data,
		Timestamp: e.EnqueuedAt.UnixMilli(),
	}
}

// Sent reports whether the entry went out at least once.
func (e Entry) Sent() bool {
	return e.Attempts > 0
}

// Failure is a server-side or delivery rejection surfaced to the caller.
type Failure struct {
	ID        string
	Table     string
	Operation protocol.Operation
	Reason    string
}

func (e Entry) failure() Failure {
	return Failure{ID: e.ID, Table: e.Table, Operation: e.Operation, Reason: e.FailureReason}
}
