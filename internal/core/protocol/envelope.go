package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Envelope is one wire message: the common header plus a typed body. On the
// wire the body's fields are flattened into the header object.
type Envelope struct {
	Type      MessageType
	MessageID string
	Timestamp int64
	ClientID  string
	// BatchID correlates the chunks of one multi-part batch. It is set by
	// the sender and is the only key the reassembler uses.
	BatchID string
	Body    Body
}

type header struct {
	Type      MessageType `json:"type"`
	MessageID string      `json:"messageId"`
	Timestamp int64       `json:"timestamp"`
	ClientID  string      `json:"clientId,omitempty"`
	BatchID   string      `json:"batchId,omitempty"`
}

// NewEnvelope builds a message with a fresh id and the current time.
func NewEnvelope(t MessageType, body Body) *Envelope {
	return &Envelope{
		Type:      t,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
	}
}

// NewChunkEnvelope builds one chunk of a batch. The message id embeds the
// batch key so that peers keying on it still see one batch.
func NewChunkEnvelope(t MessageType, batchID string, chunk int, body Body) *Envelope {
	env := NewEnvelope(t, body)
	env.BatchID = batchID
	env.MessageID = batchID + ":" + strconv.Itoa(chunk)
	return env
}

// NewBatchID returns a fresh batch correlation key.
func NewBatchID() string {
	return uuid.NewString()
}

// requiredFields lists payload keys that must be present, beyond the header.
var requiredFields = map[MessageType][]string{
	TypeInitStart:      {"serverLSN"},
	TypeInitChanges:    {"changes", "sequence"},
	TypeInitComplete:   {"serverLSN"},
	TypeLiveChanges:    {"changes"},
	TypeCatchupChanges: {"changes"},
	TypeServerReceived: {"changeIds"},
	TypeServerApplied:  {"appliedChanges", "success"},
	TypeServerBeat:     {"lsn"},
	TypeLSNUpdate:      {"lsn"},
	TypeServerError:    {"message"},
	TypeInitReceived:   {"table", "chunk"},
	TypeChangesRecv:    {"changeIds"},
	TypeChangesApplied: {"changeIds"},
	TypeSendChanges:    {"changes"},
	TypeClientBeat:     {"state", "lsn", "active"},
}

// Marshal flattens header and body into one JSON object.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	hb, err := json.Marshal(header{
		Type:      e.Type,
		MessageID: e.MessageID,
		Timestamp: e.Timestamp,
		ClientID:  e.ClientID,
		BatchID:   e.BatchID,
	})
	if err != nil {
		return nil, WrapError(ErrSerializationFailed, err.Error())
	}
	if e.Body == nil {
		return hb, nil
	}

	bb, err := json.Marshal(e.Body)
	if err != nil {
		return nil, WrapError(ErrSerializationFailed, err.Error())
	}
	bb = bytes.TrimSpace(bb)
	if len(bb) < 2 || bb[0] != '{' {
		return nil, fmt.Errorf("%w: body of %s is not an object", ErrSerializationFailed, e.Type)
	}
	if len(bb) == 2 {
		return hb, nil
	}

	out := make([]byte, 0, len(hb)+len(bb))
	out = append(out, hb[:len(hb)-1]...)
	out = append(out, ',')
	out = append(out, bb[1:]...)
	return out, nil
}

// Unmarshal parses and validates a wire message. Any failure is reported as
// ErrMalformed (possibly wrapping a more specific sentinel).
func (e *Envelope) Unmarshal(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return fmt.Errorf("%w: %w: type", ErrMalformed, ErrMissingField)
	}
	if h.MessageID == "" {
		return fmt.Errorf("%w: %w: messageId", ErrMalformed, ErrMissingField)
	}
	if _, ok := fields["timestamp"]; !ok {
		return fmt.Errorf("%w: %w: timestamp", ErrMalformed, ErrMissingField)
	}

	body, err := newBody(h.Type)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	for _, key := range requiredFields[h.Type] {
		if raw, ok := fields[key]; !ok || string(raw) == "null" {
			return fmt.Errorf("%w: %w: %s.%s", ErrMalformed, ErrMissingField, h.Type, key)
		}
	}
	if err = json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, h.Type, err)
	}
	if err = body.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, h.Type, err)
	}

	*e = Envelope{
		Type:      h.Type,
		MessageID: h.MessageID,
		Timestamp: h.Timestamp,
		ClientID:  h.ClientID,
		BatchID:   h.BatchID,
		Body:      body,
	}
	return nil
}

// Size reports the encoded size; it is only used for limits and logging.
func (e *Envelope) Size() int {
	data, err := e.Marshal()
	if err != nil {
		return 0
	}
	return len(data)
}
