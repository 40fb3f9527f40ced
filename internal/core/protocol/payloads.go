package protocol

import (
	"fmt"

	"github.com/zeusync/tasksync/internal/core/lsn"
)

// Body is implemented by every typed payload.
type Body interface {
	Validate() error
}

// InitStart opens the initial phase (srv_init_start).
type InitStart struct {
	ServerLSN lsn.LSN `json:"serverLSN"`
}

// InitChanges streams one chunk of a table snapshot (srv_init_changes).
type InitChanges struct {
	Changes  []TableChange `json:"changes"`
	Sequence ChunkSequence `json:"sequence"`
}

// InitComplete ends the initial phase (srv_init_complete).
type InitComplete struct {
	ServerLSN lsn.LSN `json:"serverLSN"`
}

// InitReceived acknowledges one snapshot chunk (clt_init_received).
type InitReceived struct {
	Table string `json:"table"`
	Chunk int    `json:"chunk"`
}

// InitProcessed confirms the whole initial phase was applied (clt_init_processed).
type InitProcessed struct{}

// Changes carries a live or catchup batch (srv_live_changes, srv_catchup_changes).
type Changes struct {
	Changes  []TableChange  `json:"changes"`
	Sequence *ChunkSequence `json:"sequence,omitempty"`
	LastLSN  *lsn.LSN       `json:"lastLSN,omitempty"`
}

// ChangesAck is the client's received/applied acknowledgment
// (clt_changes_received, clt_changes_applied).
type ChangesAck struct {
	ChangeIDs []string `json:"changeIds"`
	LastLSN   *lsn.LSN `json:"lastLSN,omitempty"`
}

// SendChanges pushes local mutations to the server (clt_send_changes).
type SendChanges struct {
	Changes []TableChange `json:"changes"`
}

// ServerReceived tells the client which pushed changes reached the server
// (srv_changes_received).
type ServerReceived struct {
	ChangeIDs []string `json:"changeIds"`
}

// AppliedChange reports the outcome for one pushed change.
type AppliedChange struct {
	ID        string    `json:"id"`
	Table     string    `json:"table,omitempty"`
	Operation Operation `json:"operation,omitempty"`
	LSN       *lsn.LSN  `json:"lsn,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ServerApplied reports the outcome of applying pushed changes
// (srv_changes_applied). When Success is false and Error is set, every
// listed change failed with that error unless it carries its own.
type ServerApplied struct {
	AppliedChanges []AppliedChange `json:"appliedChanges"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
}

// ClientHeartbeat reports client liveness (clt_heartbeat).
type ClientHeartbeat struct {
	State  string  `json:"state"`
	LSN    lsn.LSN `json:"lsn"`
	Active bool    `json:"active"`
}

// ServerHeartbeat reports server liveness and position
// (srv_heartbeat, srv_lsn_update).
type ServerHeartbeat struct {
	LSN lsn.LSN `json:"lsn"`
}

// ServerError carries a server-side failure (srv_error).
type ServerError struct {
	Message string `json:"message"`
}

func (InitStart) Validate() error     { return nil }
func (InitComplete) Validate() error  { return nil }
func (InitProcessed) Validate() error { return nil }
func (ClientHeartbeat) Validate() error {
	return nil
}
func (ServerHeartbeat) Validate() error { return nil }

func (m InitChanges) Validate() error {
	if err := m.Sequence.Validate(); err != nil {
		return err
	}
	if m.Sequence.Table == "" {
		return fmt.Errorf("%w: sequence.table", ErrMissingField)
	}
	return validateChanges(m.Changes)
}

func (m InitReceived) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("%w: table", ErrMissingField)
	}
	if m.Chunk < 1 {
		return fmt.Errorf("%w: chunk %d", ErrInvalidSequence, m.Chunk)
	}
	return nil
}

func (m Changes) Validate() error {
	if m.Changes == nil {
		return fmt.Errorf("%w: changes", ErrMissingField)
	}
	if m.Sequence != nil {
		if err := m.Sequence.Validate(); err != nil {
			return err
		}
	}
	return validateChanges(m.Changes)
}

func (m ChangesAck) Validate() error {
	if m.ChangeIDs == nil {
		return fmt.Errorf("%w: changeIds", ErrMissingField)
	}
	return nil
}

func (m SendChanges) Validate() error {
	if len(m.Changes) == 0 {
		return fmt.Errorf("%w: changes", ErrMissingField)
	}
	for _, c := range m.Changes {
		if c.ID == "" {
			return fmt.Errorf("%w: change id", ErrMissingField)
		}
	}
	return validateChanges(m.Changes)
}

func (m ServerReceived) Validate() error {
	if m.ChangeIDs == nil {
		return fmt.Errorf("%w: changeIds", ErrMissingField)
	}
	return nil
}

func (m ServerApplied) Validate() error {
	if m.AppliedChanges == nil {
		return fmt.Errorf("%w: appliedChanges", ErrMissingField)
	}
	for _, a := range m.AppliedChanges {
		if a.ID == "" {
			return fmt.Errorf("%w: appliedChanges[].id", ErrMissingField)
		}
	}
	return nil
}

func (m ServerError) Validate() error {
	if m.Message == "" {
		return fmt.Errorf("%w: message", ErrMissingField)
	}
	return nil
}

func validateChanges(changes []TableChange) error {
	for i, c := range changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("changes[%d]: %w", i, err)
		}
	}
	return nil
}

// newBody returns an empty payload for the given type.
func newBody(t MessageType) (Body, error) {
	switch t {
	case TypeInitStart:
		return &InitStart{}, nil
	case TypeInitChanges:
		return &InitChanges{}, nil
	case TypeInitComplete:
		return &InitComplete{}, nil
	case TypeLiveChanges, TypeCatchupChanges:
		return &Changes{}, nil
	case TypeServerReceived:
		return &ServerReceived{}, nil
	case TypeServerApplied:
		return &ServerApplied{}, nil
	case TypeServerBeat, TypeLSNUpdate:
		return &ServerHeartbeat{}, nil
	case TypeServerError:
		return &ServerError{}, nil
	case TypeInitReceived:
		return &InitReceived{}, nil
	case TypeInitProcessed:
		return &InitProcessed{}, nil
	case TypeChangesRecv, TypeChangesApplied:
		return &ChangesAck{}, nil
	case TypeSendChanges:
		return &SendChanges{}, nil
	case TypeClientBeat:
		return &ClientHeartbeat{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}
