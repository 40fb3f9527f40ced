package engine

import (
	"context"
	"time"

	"github.com/zeusync/tasksync/internal/core/initsync"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/replication"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// sender stamps the client id on every outgoing envelope.
type sender struct {
	conn     *transport.Conn
	clientID string
}

func (s sender) Send(ctx context.Context, env *protocol.Envelope) error {
	if env.ClientID == "" {
		env.ClientID = s.clientID
	}
	return s.conn.Send(ctx, env)
}

type connection struct {
	sess *session.Session
	conn *transport.Conn
	init *initsync.Controller
	repl *replication.Controller
}

// runSession runs one connection until it fails or ctx ends. The session
// and its partial batches are discarded on return.
func (e *Engine) runSession(ctx context.Context) error {
	e.generation++
	gen := e.generation
	if err := e.machine.To(session.Connecting, nil); err != nil {
		return session.FailFatal(session.KindProtocol, err, "enter connecting")
	}

	start := e.machine.LastConfirmed()
	logger := e.logger.With(log.Uint64("session", gen))
	sess := session.New(gen, e.clientID, start, e.opts.ChunkTimeout, e.onExpiry, logger)
	defer sess.Close()
	e.takeExpired()

	ch, err := e.dialer.Dial(ctx, transport.Params{ClientID: e.clientID, LSN: start, Token: e.opts.Token})
	if err != nil {
		return session.Fail(session.KindTransport, err, "dial")
	}

	conn := transport.Start(ctx, ch, transport.Options{
		Codec:             e.opts.Codec,
		HeartbeatInterval: e.opts.HeartbeatInterval,
		HeartbeatTimeout:  e.opts.HeartbeatTimeout,
		Heartbeat:         e.heartbeat,
	}, logger)
	defer conn.Close()

	out := sender{conn: conn, clientID: e.clientID}
	init := initsync.New(initsync.Config{
		Hierarchy:      e.opts.Hierarchy,
		ExpectedTables: e.opts.ExpectedTables,
	}, sess, e.machine, e.store, e.state, out, logger)
	repl := replication.New(replication.Options{
		SendBatchSize: e.opts.SendBatchSize,
		Hold:          init.SnapshotInProgress,
	}, sess, e.machine, e.store, e.state, e.box, out, logger)

	c := &connection{sess: sess, conn: conn, init: init, repl: repl}
	logger.Info("Session started", log.Stringer("lsn", start))

	retry := time.NewTicker(e.opts.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case item, ok := <-conn.Inbound():
			if !ok {
				err := conn.Err()
				if err == nil {
					err = protocol.ErrConnectionLost
				}
				return session.AsFailure(err, session.KindTransport)
			}
			if item.Err != nil {
				if transport.IsProtocolError(item.Err) {
					return session.Fail(session.KindProtocol, item.Err, "malformed message")
				}
				return session.AsFailure(item.Err, session.KindTransport)
			}
			e.backoff.Reset()

			wasLive := e.machine.State() == session.Live
			if err := e.dispatch(ctx, c, item.Envelope); err != nil {
				return err
			}
			if !wasLive && e.machine.State() == session.Live {
				if err := repl.Flush(ctx, true); err != nil {
					return err
				}
			}

		case <-e.expKick:
			for _, x := range e.takeExpired() {
				if x.generation != gen {
					continue
				}
				exp, ok := sess.Reassembler.Expire(x.key, x.batchGen)
				if !ok {
					continue
				}
				if init.OwnsBatch(exp.Key) {
					return init.HandleExpired(exp)
				}
				if err := repl.HandleExpired(exp); err != nil {
					return err
				}
			}

		case <-retry.C:
			if err := repl.Flush(ctx, false); err != nil {
				return err
			}

		case <-e.kick:
			if err := repl.Flush(ctx, false); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one inbound envelope by type.
func (e *Engine) dispatch(ctx context.Context, c *connection, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeInitStart:
		return c.init.HandleStart(ctx, env.Body.(*protocol.InitStart))
	case protocol.TypeInitChanges:
		return c.init.HandleChunk(ctx, env, env.Body.(*protocol.InitChanges))
	case protocol.TypeInitComplete:
		if n := c.repl.BacklogPending(); n > 0 {
			return session.Fail(session.KindReassembly, nil, "catchup ended with %d incomplete backlog batches", n)
		}
		return c.init.HandleComplete(ctx, env.Body.(*protocol.InitComplete))
	case protocol.TypeLiveChanges, protocol.TypeCatchupChanges:
		return c.repl.HandleChanges(ctx, env, env.Body.(*protocol.Changes))
	case protocol.TypeServerReceived:
		return c.repl.HandleServerReceived(ctx, env.Body.(*protocol.ServerReceived))
	case protocol.TypeServerApplied:
		return c.repl.HandleServerApplied(ctx, env.Body.(*protocol.ServerApplied))
	case protocol.TypeServerBeat, protocol.TypeLSNUpdate:
		pos := env.Body.(*protocol.ServerHeartbeat).LSN
		if c.sess.ServerLSN.Less(pos) {
			c.sess.ServerLSN = pos
		}
		e.machine.SetServerLSN(pos)
		return nil
	case protocol.TypeServerError:
		return session.Fail(session.KindServer, protocol.ErrServerError, "%s", env.Body.(*protocol.ServerError).Message)
	}
	return session.Fail(session.KindProtocol, protocol.ErrUnexpectedMessage, "%s from server", env.Type)
}
