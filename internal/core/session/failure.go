package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a session failed.
type ErrorKind uint8

const (
	// KindProtocol covers malformed or out-of-order messages. Fatal to the
	// current session.
	KindProtocol ErrorKind = iota + 1
	// KindTransport covers disconnects, send failures and heartbeat loss.
	KindTransport
	// KindReassembly is a chunk reassembly timeout during initial sync.
	KindReassembly
	// KindServer is an error reported by the server itself.
	KindServer
	// KindStorage is a local store failure while applying changes.
	KindStorage
	// KindRejected is a semantic write rejection. It never fails the session.
	KindRejected
	// KindAckTimeout marks an outbox entry that ran out of attempts.
	KindAckTimeout
)

var kindNames = map[ErrorKind]string{
	KindProtocol:   "protocol",
	KindTransport:  "transport",
	KindReassembly: "reassembly",
	KindServer:     "server",
	KindStorage:    "storage",
	KindRejected:   "rejected",
	KindAckTimeout: "ack-timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Failure is an error with a classification. It is what the error state
// carries. A Fatal failure stops the engine instead of reconnecting.
type Failure struct {
	Kind   ErrorKind
	Reason string
	Cause  error
	Fatal  bool
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Retryable reports whether the engine may reconnect after f. Protocol
// failures reconnect too, but always into a fresh session.
func (f *Failure) Retryable() bool {
	return !f.Fatal
}

// Fail builds a Failure.
func Fail(kind ErrorKind, cause error, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// FailFatal builds a Failure the engine must not retry.
func FailFatal(kind ErrorKind, cause error, format string, args ...any) *Failure {
	f := Fail(kind, cause, format, args...)
	f.Fatal = true
	return f
}

// AsFailure returns err as a Failure, classifying unknown errors as kind.
func AsFailure(err error, kind ErrorKind) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: kind, Reason: err.Error(), Cause: err}
}
