package protocol

import "fmt"

// Codec turns envelopes into frames and back.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec implements Codec with the JSON wire format. MaxMessageSize of
// zero disables the size check.
type JSONCodec struct {
	MaxMessageSize int
}

var _ Codec = (*JSONCodec)(nil)

// Encode converts an envelope into a JSON frame.
func (c *JSONCodec) Encode(env *Envelope) ([]byte, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if c.MaxMessageSize > 0 && len(data) > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), c.MaxMessageSize)
	}
	return data, nil
}

// Decode converts a JSON frame back into a typed envelope.
func (c *JSONCodec) Decode(data []byte) (*Envelope, error) {
	if c.MaxMessageSize > 0 && len(data) > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %w: %d > %d", ErrMalformed, ErrMessageTooLarge, len(data), c.MaxMessageSize)
	}
	env := &Envelope{}
	if err := env.Unmarshal(data); err != nil {
		return nil, err
	}
	return env, nil
}
