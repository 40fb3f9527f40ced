// Package lsn implements the log position token used to resume replication.
//
// A position is written as two hexadecimal components separated by a slash
// ("16/B374D848"). Positions are totally ordered by comparing the high
// component first and the low component second.
package lsn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned for tokens that do not match HEX/HEX.
var ErrMalformed = errors.New("malformed log position")

// LSN is a position in the server's change stream.
type LSN struct {
	Hi uint64
	Lo uint64
}

// Zero is the position of a client that has never synced.
var Zero = LSN{}

// New builds a position from its two components.
func New(hi, lo uint64) LSN {
	return LSN{Hi: hi, Lo: lo}
}

// Parse parses a HEX/HEX token. Case is ignored; anything else is rejected.
func Parse(s string) (LSN, error) {
	hiStr, loStr, ok := strings.Cut(s, "/")
	if !ok || !isHex(hiStr) || !isHex(loStr) {
		return Zero, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	hi, err := strconv.ParseUint(hiStr, 16, 64)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	lo, err := strconv.ParseUint(loStr, 16, 64)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}

	return LSN{Hi: hi, Lo: lo}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) LSN {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// String renders the position in upper-case hex.
func (l LSN) String() string {
	return strings.ToUpper(strconv.FormatUint(l.Hi, 16)) + "/" + strings.ToUpper(strconv.FormatUint(l.Lo, 16))
}

// Compare returns -1, 0 or +1.
func Compare(a, b LSN) int {
	switch {
	case a.Hi < b.Hi:
		return -1
	case a.Hi > b.Hi:
		return 1
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

func (l LSN) Less(other LSN) bool  { return Compare(l, other) < 0 }
func (l LSN) Equal(other LSN) bool { return l == other }
func (l LSN) IsZero() bool         { return l == Zero }

// Next returns the position immediately after l.
func (l LSN) Next() LSN {
	if l.Lo == ^uint64(0) {
		return LSN{Hi: l.Hi + 1}
	}
	return LSN{Hi: l.Hi, Lo: l.Lo + 1}
}

// Max returns the later of two positions.
func Max(a, b LSN) LSN {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LSN) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
