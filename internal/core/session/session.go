package session

import (
	"time"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/reassembly"
)

// Session is the state of one connection attempt. It is built fresh on every
// connect and discarded on error or disconnect, so partial batches never
// leak across connections.
type Session struct {
	// Generation distinguishes sessions of the same client; timer callbacks
	// carry it so late timeouts of a discarded session are ignored.
	Generation  uint64
	ClientID    string
	StartLSN    lsn.LSN
	ServerLSN   lsn.LSN
	StartedAt   time.Time
	Reassembler *reassembly.Reassembler

	closed bool
}

// ExpiryFunc receives reassembly timeouts tagged with the session generation.
type ExpiryFunc func(generation uint64, key string, batchGeneration uint64)

// New builds the session for one connection attempt.
func New(generation uint64, clientID string, start lsn.LSN, chunkTimeout time.Duration, onExpiry ExpiryFunc, logger log.Log) *Session {
	s := &Session{
		Generation: generation,
		ClientID:   clientID,
		StartLSN:   start,
		StartedAt:  time.Now(),
	}
	s.Reassembler = reassembly.New(chunkTimeout, func(key string, gen uint64) {
		if onExpiry != nil {
			onExpiry(generation, key, gen)
		}
	}, logger.With(log.Uint64("session", generation)))
	return s
}

// Close stops every pending timer and drops partial batches.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.Reassembler.Reset()
}

func (s *Session) Closed() bool {
	return s.closed
}
