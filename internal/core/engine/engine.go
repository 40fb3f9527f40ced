// Package engine runs the sync session loop of one client: it dials, routes
// inbound messages to the initial-sync and replication controllers, flushes
// the outbox and reconnects with backoff after a failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
	"github.com/zeusync/tasksync/internal/core/transport"
)

var ErrAlreadyRunning = errors.New("engine is already running")

type expiry struct {
	generation uint64
	key        string
	batchGen   uint64
}

// Engine owns the session machine and drives one connection at a time. All
// controller work happens on the goroutine that called Run.
type Engine struct {
	opts    Options
	dialer  transport.Dialer
	store   storage.LocalStore
	state   storage.StateStore
	box     *outbox.Outbox
	machine *session.Machine
	logger  log.Log

	clientID   string
	generation uint64
	backoff    transport.Backoff
	running    atomic.Bool

	kick chan struct{}

	expMu   sync.Mutex
	expired []expiry
	expKick chan struct{}
}

// New loads the persisted client id and position and builds the machine.
func New(ctx context.Context, opts Options, dialer transport.Dialer, store storage.LocalStore, state storage.StateStore, box *outbox.Outbox, logger log.Log) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.Hierarchy.Validate(); err != nil {
		return nil, err
	}

	clientID, err := state.LoadClientID(ctx)
	if err != nil {
		return nil, fmt.Errorf("load client id: %w", err)
	}
	if clientID == "" {
		clientID = opts.ClientID
		if clientID == "" {
			clientID = uuid.NewString()
		}
		if err := state.SaveClientID(ctx, clientID); err != nil {
			return nil, fmt.Errorf("save client id: %w", err)
		}
	}

	confirmed, err := state.LoadLSN(ctx)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	machine := session.NewMachine(clientID, confirmed, logger)
	machine.SetOutboxStats(func() (int, int) {
		return len(box.Pending()), len(box.Failed())
	})

	e := &Engine{
		opts:     opts,
		dialer:   dialer,
		store:    store,
		state:    state,
		box:      box,
		machine:  machine,
		logger:   logger.With(log.String("component", "engine"), log.String("client_id", clientID)),
		clientID: clientID,
		backoff:  opts.Backoff,
		kick:     make(chan struct{}, 1),
		expKick:  make(chan struct{}, 1),
	}
	e.logger.Info("Engine created", log.Stringer("lsn", confirmed))
	return e, nil
}

func (e *Engine) ClientID() string {
	return e.clientID
}

// Machine exposes the session machine for status and subscriptions.
func (e *Engine) Machine() *session.Machine {
	return e.machine
}

func (e *Engine) Outbox() *outbox.Outbox {
	return e.box
}

func (e *Engine) Store() storage.LocalStore {
	return e.store
}

func (e *Engine) Status() session.Status {
	return e.machine.Status()
}

// Kick asks the running session to flush the outbox soon.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run connects and keeps the client in sync until ctx is cancelled or a
// failure that retrying cannot fix occurs. Cancellation returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	for {
		err := e.runSession(ctx)
		if ctx.Err() != nil {
			e.toDisconnected()
			return nil
		}

		failure := session.AsFailure(err, session.KindTransport)
		if failure == nil {
			failure = session.Fail(session.KindTransport, protocol.ErrConnectionLost, "session ended")
		}
		if e.machine.State() != session.Error {
			if terr := e.machine.To(session.Error, failure); terr != nil {
				e.logger.Error("Cannot enter error state", log.Error(terr))
			}
		}
		if failure.Fatal {
			e.toDisconnected()
			return failure
		}

		delay := e.backoff.Next()
		e.logger.Info("Reconnecting",
			log.Duration("delay", delay),
			log.Int("attempt", e.backoff.Attempt()),
			log.String("reason", failure.Reason))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.toDisconnected()
			return nil
		case <-timer.C:
		}
	}
}

func (e *Engine) toDisconnected() {
	if e.machine.State() == session.Disconnected {
		return
	}
	if err := e.machine.To(session.Disconnected, nil); err != nil {
		e.logger.Error("Cannot enter disconnected state", log.Error(err))
	}
}

// onExpiry runs on timer goroutines; it only queues the event.
func (e *Engine) onExpiry(generation uint64, key string, batchGen uint64) {
	e.expMu.Lock()
	e.expired = append(e.expired, expiry{generation: generation, key: key, batchGen: batchGen})
	e.expMu.Unlock()
	select {
	case e.expKick <- struct{}{}:
	default:
	}
}

func (e *Engine) takeExpired() []expiry {
	e.expMu.Lock()
	defer e.expMu.Unlock()
	out := e.expired
	e.expired = nil
	return out
}

// heartbeat builds the periodic clt_heartbeat from the machine status.
func (e *Engine) heartbeat() *protocol.Envelope {
	st := e.machine.Status()
	env := protocol.NewEnvelope(protocol.TypeClientBeat, &protocol.ClientHeartbeat{
		State:  st.State.String(),
		LSN:    st.LastConfirmedLSN,
		Active: st.State.Connected(),
	})
	env.ClientID = e.clientID
	return env
}

// LastConfirmed is the position the next connection resumes from.
func (e *Engine) LastConfirmed() lsn.LSN {
	return e.machine.LastConfirmed()
}
