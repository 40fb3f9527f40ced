package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/tasksync/internal/core/events/bus"
	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// Counters are cumulative replication statistics.
type Counters struct {
	BatchesApplied uint64
	ChangesApplied uint64
	// BatchesDropped counts steady-state batches discarded on reassembly
	// timeout.
	BatchesDropped uint64
	Reconnects     uint64
}

// Status is a point-in-time view of the machine for callers.
type Status struct {
	State            State
	Since            time.Time
	ClientID         string
	LastConfirmedLSN lsn.LSN
	ServerLSN        lsn.LSN
	LastFailure      *Failure
	Unsynced         int
	FailedChanges    int
	Counters         Counters
}

// OutboxStats reports how many local changes are unsynced and failed.
type OutboxStats func() (unsynced, failed int)

// Machine is the long-lived state machine of one client. Transitions are
// driven from a single goroutine; Status and Subscribe are safe from any.
type Machine struct {
	mu          sync.RWMutex
	state       State
	since       time.Time
	clientID    string
	confirmed   lsn.LSN
	server      lsn.LSN
	lastFailure *Failure
	counters    Counters
	outbox      OutboxStats

	bus    *bus.Bus[Transition]
	logger log.Log
	now    func() time.Time
}

// NewMachine starts in Disconnected at the persisted position.
func NewMachine(clientID string, confirmed lsn.LSN, logger log.Log) *Machine {
	return &Machine{
		state:     Disconnected,
		since:     time.Now(),
		clientID:  clientID,
		confirmed: confirmed,
		bus:       bus.New[Transition](),
		logger:    logger.With(log.String("component", "session"), log.String("client_id", clientID)),
		now:       time.Now,
	}
}

// SetOutboxStats wires the unsynced counts reported by Status.
func (m *Machine) SetOutboxStats(fn OutboxStats) {
	m.mu.Lock()
	m.outbox = fn
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// To moves the machine to state to. failure must be set when to is Error and
// is ignored otherwise.
func (m *Machine) To(to State, failure *Failure) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if to == Error && failure == nil {
		failure = &Failure{Kind: KindProtocol, Reason: "unspecified"}
	}
	if to != Error {
		failure = nil
	}
	now := m.now()
	m.state = to
	m.since = now
	if failure != nil {
		m.lastFailure = failure
	}
	if from == Error && to == Connecting {
		m.counters.Reconnects++
	}
	m.mu.Unlock()

	fields := []log.Field{log.String("from", from.String()), log.String("to", to.String())}
	if failure != nil {
		fields = append(fields, log.String("kind", failure.Kind.String()), log.String("reason", failure.Reason))
		m.logger.Warn("Session state changed", fields...)
	} else {
		m.logger.Info("Session state changed", fields...)
	}

	m.bus.Publish(StateChanged{From: from, To: to, At: now, Failure: failure})
	return nil
}

// LastConfirmed returns the last durably confirmed position.
func (m *Machine) LastConfirmed() lsn.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.confirmed
}

// Confirm advances the confirmed position. Positions never move backwards;
// it reports whether pos advanced it.
func (m *Machine) Confirm(pos lsn.LSN) bool {
	m.mu.Lock()
	if !m.confirmed.Less(pos) {
		m.mu.Unlock()
		return false
	}
	m.confirmed = pos
	now := m.now()
	m.mu.Unlock()

	m.logger.Debug("Position confirmed", log.Stringer("lsn", pos))
	m.bus.Publish(PositionConfirmed{LSN: pos, At: now})
	return true
}

// Rebase sets the confirmed position to pos even when it is lower. A full
// snapshot replaces local state, so its position becomes the new base.
func (m *Machine) Rebase(pos lsn.LSN) {
	m.mu.Lock()
	if m.confirmed == pos {
		m.mu.Unlock()
		return
	}
	prev := m.confirmed
	m.confirmed = pos
	now := m.now()
	m.mu.Unlock()

	m.logger.Info("Position rebased", log.Stringer("from", prev), log.Stringer("lsn", pos))
	m.bus.Publish(PositionConfirmed{LSN: pos, At: now})
}

// SetServerLSN records the latest position the server reported.
func (m *Machine) SetServerLSN(pos lsn.LSN) {
	m.mu.Lock()
	if m.server.Less(pos) {
		m.server = pos
	}
	m.mu.Unlock()
}

// Reject publishes a local change that will not be retried.
func (m *Machine) Reject(changeID, table, operation string, failure *Failure) {
	m.bus.Publish(ChangeRejected{
		ChangeID:  changeID,
		Table:     table,
		Operation: operation,
		Failure:   failure,
		At:        m.now(),
	})
}

// RecordBatch counts an applied inbound batch.
func (m *Machine) RecordBatch(changes int) {
	m.mu.Lock()
	m.counters.BatchesApplied++
	m.counters.ChangesApplied += uint64(changes)
	m.mu.Unlock()
}

// RecordDropped counts a steady-state batch lost to reassembly timeout.
func (m *Machine) RecordDropped() {
	m.mu.Lock()
	m.counters.BatchesDropped++
	m.mu.Unlock()
}

func (m *Machine) Status() Status {
	m.mu.RLock()
	st := Status{
		State:            m.state,
		Since:            m.since,
		ClientID:         m.clientID,
		LastConfirmedLSN: m.confirmed,
		ServerLSN:        m.server,
		LastFailure:      m.lastFailure,
		Counters:         m.counters,
	}
	stats := m.outbox
	m.mu.RUnlock()

	if stats != nil {
		st.Unsynced, st.FailedChanges = stats()
	}
	return st
}

// Subscribe returns an ordered stream of transitions published after the
// call. Cancel the subscription to release it.
func (m *Machine) Subscribe() (<-chan Transition, bus.Subscription) {
	return m.bus.Subscribe()
}

// Close ends every subscription.
func (m *Machine) Close() {
	m.bus.Close()
}
