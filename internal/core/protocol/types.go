package protocol

import (
	"fmt"
	"strconv"

	"github.com/zeusync/tasksync/internal/core/lsn"
)

// MessageType names a wire message. Server-originated types are prefixed
// "srv_", client-originated ones "clt_".
type MessageType string

const (
	TypeInitStart      MessageType = "srv_init_start"
	TypeInitChanges    MessageType = "srv_init_changes"
	TypeInitComplete   MessageType = "srv_init_complete"
	TypeLiveChanges    MessageType = "srv_live_changes"
	TypeCatchupChanges MessageType = "srv_catchup_changes"
	TypeServerReceived MessageType = "srv_changes_received"
	TypeServerApplied  MessageType = "srv_changes_applied"
	TypeServerBeat     MessageType = "srv_heartbeat"
	TypeLSNUpdate      MessageType = "srv_lsn_update"
	TypeServerError    MessageType = "srv_error"

	TypeInitReceived   MessageType = "clt_init_received"
	TypeInitProcessed  MessageType = "clt_init_processed"
	TypeChangesRecv    MessageType = "clt_changes_received"
	TypeChangesApplied MessageType = "clt_changes_applied"
	TypeSendChanges    MessageType = "clt_send_changes"
	TypeClientBeat     MessageType = "clt_heartbeat"
)

func (t MessageType) String() string { return string(t) }

// FromServer reports whether t is a server-originated type.
func (t MessageType) FromServer() bool {
	return len(t) > 4 && t[:4] == "srv_"
}

// Operation is the kind of row mutation carried by a TableChange.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation validates a user-supplied operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidField, s)
	}
	return op, nil
}

// Record is a row as it travels on the wire. Every synced table keys its
// rows by the "id" column.
type Record map[string]any

// ID returns the primary key of the record, or "" when it has none.
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TableChange is one row mutation. It is treated as immutable once built.
type TableChange struct {
	ID        string    `json:"id,omitempty"`
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
	Data      Record    `json:"data"`
	LSN       *lsn.LSN  `json:"lsn,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ChangeID is the identity used in acknowledgments and for idempotent apply.
// Changes without an explicit id are identified by table, row and position.
func (c TableChange) ChangeID() string {
	if c.ID != "" {
		return c.ID
	}
	id := c.Table + ":" + c.Data.ID()
	if c.LSN != nil {
		id += "@" + c.LSN.String()
	}
	return id
}

func (c TableChange) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("%w: change table", ErrMissingField)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: change operation %q", ErrInvalidField, c.Operation)
	}
	if c.Data.ID() == "" {
		return fmt.Errorf("%w: change data.id for table %s", ErrMissingField, c.Table)
	}
	return nil
}

// ChangeIDs collects the identities of a batch, in order.
func ChangeIDs(changes []TableChange) []string {
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ChangeID()
	}
	return ids
}

// MaxLSN returns the highest position carried by the changes.
func MaxLSN(changes []TableChange) (lsn.LSN, bool) {
	var (
		out   lsn.LSN
		found bool
	)
	for _, c := range changes {
		if c.LSN == nil {
			continue
		}
		if !found || out.Less(*c.LSN) {
			out = *c.LSN
			found = true
		}
	}
	return out, found
}

// ChunkSequence places one chunk inside a multi-part batch.
type ChunkSequence struct {
	Chunk int    `json:"chunk"`
	Total int    `json:"total"`
	Table string `json:"table,omitempty"`
}

func (s ChunkSequence) Validate() error {
	if s.Total < 1 || s.Chunk < 1 || s.Chunk > s.Total {
		return fmt.Errorf("%w: chunk %d of %d", ErrInvalidSequence, s.Chunk, s.Total)
	}
	return nil
}
