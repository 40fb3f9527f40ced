package server

import (
	"context"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// peer serves one connected client. Everything but heartbeats runs on the
// goroutine calling run.
type peer struct {
	srv    *Server
	params transport.Params
	conn   *transport.Conn
	logger log.Log

	// cursor is the last position forwarded to the client.
	cursor lsn.LSN
}

func newPeer(srv *Server, ch transport.Channel, params transport.Params) *peer {
	p := &peer{
		srv:    srv,
		params: params,
		logger: srv.logger.With(log.String("client_id", params.ClientID)),
	}
	p.conn = transport.Start(srv.ctx, ch, transport.Options{
		HeartbeatInterval: srv.opts.HeartbeatInterval,
		HeartbeatTimeout:  srv.opts.HeartbeatTimeout,
		Heartbeat: func() *protocol.Envelope {
			return protocol.NewEnvelope(protocol.TypeServerBeat, &protocol.ServerHeartbeat{LSN: srv.changes.Head()})
		},
	}, p.logger)
	return p
}

func (p *peer) close() {
	_ = p.conn.Close()
}

func (p *peer) run(ctx context.Context) error {
	changed := p.srv.changes.Changed()
	if err := p.initial(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-p.conn.Inbound():
			if !ok {
				return p.conn.Err()
			}
			if err := p.handle(ctx, item); err != nil {
				return err
			}
		case <-changed:
			changed = p.srv.changes.Changed()
			if err := p.forward(ctx); err != nil {
				return err
			}
		}
	}
}

// initial runs the first-contact phase: nothing when the client is current,
// a full snapshot when it never synced or is ahead of this server, and the
// backlog otherwise.
func (p *peer) initial(ctx context.Context) error {
	start := p.params.LSN
	head := p.srv.changes.Head()

	switch {
	case start.Equal(head):
		p.cursor = head
		return p.send(ctx, protocol.NewEnvelope(protocol.TypeInitStart, &protocol.InitStart{ServerLSN: head}))

	case start.IsZero() || head.Less(start):
		tables, at := p.srv.changes.Snapshot()
		if err := p.send(ctx, protocol.NewEnvelope(protocol.TypeInitStart, &protocol.InitStart{ServerLSN: at})); err != nil {
			return err
		}
		rows := 0
		for _, t := range tables {
			if err := p.sendSnapshot(ctx, t); err != nil {
				return err
			}
			rows += len(t.Changes)
		}
		p.cursor = at
		p.logger.Info("Snapshot sent", log.Int("tables", len(tables)), log.Int("rows", rows), log.Stringer("lsn", at))

	default:
		entries := p.srv.changes.Since(start)
		at := head
		if n := len(entries); n > 0 {
			at = *entries[n-1].Change.LSN
		}
		if err := p.send(ctx, protocol.NewEnvelope(protocol.TypeInitStart, &protocol.InitStart{ServerLSN: at})); err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := p.sendChanges(ctx, protocol.TypeCatchupChanges, changesOf(entries), at); err != nil {
				return err
			}
		}
		p.cursor = at
		p.logger.Info("Backlog sent", log.Int("changes", len(entries)), log.Stringer("from", start), log.Stringer("lsn", at))
	}

	return p.send(ctx, protocol.NewEnvelope(protocol.TypeInitComplete, &protocol.InitComplete{ServerLSN: p.cursor}))
}

// sendSnapshot streams one table. An empty table still goes out as a single
// empty chunk so the client sees every table.
func (p *peer) sendSnapshot(ctx context.Context, t TableSnapshot) error {
	size := p.srv.opts.ChunkSize
	total := max(1, (len(t.Changes)+size-1)/size)
	batchID := protocol.NewBatchID()

	for chunk := 1; chunk <= total; chunk++ {
		lo := (chunk - 1) * size
		hi := min(lo+size, len(t.Changes))
		part := make([]protocol.TableChange, 0, hi-lo)
		part = append(part, t.Changes[lo:hi]...)

		env := protocol.NewChunkEnvelope(protocol.TypeInitChanges, batchID, chunk, &protocol.InitChanges{
			Changes:  part,
			Sequence: protocol.ChunkSequence{Chunk: chunk, Total: total, Table: t.Table},
		})
		if err := p.send(ctx, env); err != nil {
			return err
		}
		if err := p.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// sendChanges sends a live or catchup batch, split into chunks sharing one
// batch id when it exceeds the chunk size.
func (p *peer) sendChanges(ctx context.Context, t protocol.MessageType, changes []protocol.TableChange, last lsn.LSN) error {
	size := p.srv.opts.ChunkSize
	if len(changes) <= size {
		return p.send(ctx, protocol.NewEnvelope(t, &protocol.Changes{Changes: changes, LastLSN: &last}))
	}

	total := (len(changes) + size - 1) / size
	batchID := protocol.NewBatchID()
	for chunk := 1; chunk <= total; chunk++ {
		lo := (chunk - 1) * size
		hi := min(lo+size, len(changes))
		env := protocol.NewChunkEnvelope(t, batchID, chunk, &protocol.Changes{
			Changes:  changes[lo:hi],
			Sequence: &protocol.ChunkSequence{Chunk: chunk, Total: total},
			LastLSN:  &last,
		})
		if err := p.send(ctx, env); err != nil {
			return err
		}
		if err := p.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// drain handles whatever the client sent meanwhile without blocking, so a
// long stream does not stall on unread acknowledgments.
func (p *peer) drain(ctx context.Context) error {
	for {
		select {
		case item, ok := <-p.conn.Inbound():
			if !ok {
				return p.conn.Err()
			}
			if err := p.handle(ctx, item); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// forward pushes changes committed since the cursor.
func (p *peer) forward(ctx context.Context) error {
	entries := p.srv.changes.Since(p.cursor)
	if len(entries) == 0 {
		return nil
	}
	last := *entries[len(entries)-1].Change.LSN
	p.cursor = last

	if !p.srv.opts.EchoOwnChanges {
		kept := entries[:0]
		for _, e := range entries {
			if e.Origin != p.params.ClientID {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if len(entries) == 0 {
		return p.send(ctx, protocol.NewEnvelope(protocol.TypeLSNUpdate, &protocol.ServerHeartbeat{LSN: last}))
	}
	return p.sendChanges(ctx, protocol.TypeLiveChanges, changesOf(entries), last)
}

func (p *peer) handle(ctx context.Context, item transport.Inbound) error {
	if item.Err != nil {
		if !transport.IsProtocolError(item.Err) {
			return item.Err
		}
		return p.send(ctx, protocol.NewEnvelope(protocol.TypeServerError, &protocol.ServerError{Message: item.Err.Error()}))
	}

	env := item.Envelope
	dispatched := false
	err := p.srv.chain.Handle(ctx, p.params, env, func() error {
		dispatched = true
		return p.dispatch(ctx, env)
	})
	if err != nil && !dispatched {
		return p.send(ctx, protocol.NewEnvelope(protocol.TypeServerError, &protocol.ServerError{Message: err.Error()}))
	}
	return err
}

func (p *peer) dispatch(ctx context.Context, env *protocol.Envelope) error {
	switch body := env.Body.(type) {
	case *protocol.SendChanges:
		return p.apply(ctx, body)
	case *protocol.ClientHeartbeat:
		p.logger.Debug("Client heartbeat",
			log.String("state", body.State),
			log.Stringer("lsn", body.LSN),
			log.Bool("active", body.Active))
	case *protocol.InitReceived:
		p.logger.Debug("Snapshot chunk acknowledged", log.String("table", body.Table), log.Int("chunk", body.Chunk))
	case *protocol.InitProcessed:
		p.logger.Info("Client finished initial phase")
	case *protocol.ChangesAck:
		p.logger.Debug("Changes acknowledged",
			log.String("type", string(env.Type)),
			log.Int("changes", len(body.ChangeIDs)))
	default:
		p.logger.Warn("Unexpected message from client", log.String("type", string(env.Type)))
		return p.send(ctx, protocol.NewEnvelope(protocol.TypeServerError, &protocol.ServerError{
			Message: "unexpected message " + string(env.Type),
		}))
	}
	return nil
}

// apply commits pushed changes and answers with the received and applied
// acknowledgments. Rejections are reported per change.
func (p *peer) apply(ctx context.Context, body *protocol.SendChanges) error {
	ids := protocol.ChangeIDs(body.Changes)
	if err := p.send(ctx, protocol.NewEnvelope(protocol.TypeServerReceived, &protocol.ServerReceived{ChangeIDs: ids})); err != nil {
		return err
	}

	results := p.srv.changes.Append(p.params.ClientID, body.Changes)
	success := true
	for _, r := range results {
		if r.Error != "" {
			success = false
			p.logger.Info("Change rejected",
				log.String("change_id", r.ID),
				log.String("table", r.Table),
				log.String("reason", r.Error))
		}
	}
	return p.send(ctx, protocol.NewEnvelope(protocol.TypeServerApplied, &protocol.ServerApplied{
		AppliedChanges: results,
		Success:        success,
	}))
}

func (p *peer) send(ctx context.Context, env *protocol.Envelope) error {
	return p.conn.Send(ctx, env)
}

func changesOf(entries []Entry) []protocol.TableChange {
	out := make([]protocol.TableChange, len(entries))
	for i, e := range entries {
		out[i] = e.Change
	}
	return out
}
