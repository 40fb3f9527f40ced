package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetErrorCode(t *testing.T) {
	var env Envelope
	decodeErr := env.Unmarshal([]byte("{not json"))

	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrorCodeSuccess},
		{"undecodable frame", decodeErr, ErrorCodeMalformed},
		{"oversized frame", fmt.Errorf("%w: %w", ErrMalformed, ErrMessageTooLarge), ErrorCodeMalformed},
		{"too large", ErrMessageTooLarge, ErrorCodeMessageTooLarge},
		{"wrapped send", fmt.Errorf("flush: %w", ErrSendFailed), ErrorCodeSendFailed},
		{"coded", WrapError(ErrServerError, "apply"), ErrorCodeServerError},
		{"unknown", fmt.Errorf("boom"), ErrorCodeUnknownError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GetErrorCode(tc.err))
		})
	}
}
