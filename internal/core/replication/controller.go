// Package replication drives steady-state replication: inbound batches are
// applied and acknowledged in order, local changes flow out of the outbox.
package replication

import (
	"context"
	"errors"
	"time"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/reassembly"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
)

// DefaultSendBatchSize caps the changes in one clt_send_changes message.
const DefaultSendBatchSize = 100

// Sender delivers an envelope to the server.
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope) error
}

type Options struct {
	SendBatchSize int
	// Hold, when it returns true, keeps positions from being confirmed. It
	// is set while a snapshot is still arriving.
	Hold func() bool
}

// Controller handles one session's replication traffic. It is owned by the
// session goroutine.
type Controller struct {
	opts    Options
	sess    *session.Session
	machine *session.Machine
	store   storage.LocalStore
	state   storage.StateStore
	box     *outbox.Outbox
	sender  Sender
	logger  log.Log
	now     func() time.Time

	// batchLSN tracks the highest trailing position seen per chunked batch.
	batchLSN map[string]lsn.LSN
	// open holds the chunked batches still being reassembled. The value is
	// true for batches that started during catchup.
	open map[string]bool
}

func New(opts Options, sess *session.Session, machine *session.Machine, store storage.LocalStore, state storage.StateStore, box *outbox.Outbox, sender Sender, logger log.Log) *Controller {
	if opts.SendBatchSize <= 0 {
		opts.SendBatchSize = DefaultSendBatchSize
	}
	if opts.Hold == nil {
		opts.Hold = func() bool { return false }
	}
	return &Controller{
		opts:     opts,
		sess:     sess,
		machine:  machine,
		store:    store,
		state:    state,
		box:      box,
		sender:   sender,
		logger:   logger.With(log.String("component", "replication"), log.Uint64("session", sess.Generation)),
		now:      time.Now,
		batchLSN: make(map[string]lsn.LSN),
		open:     make(map[string]bool),
	}
}

// HandleChanges processes srv_live_changes and srv_catchup_changes.
func (c *Controller) HandleChanges(ctx context.Context, env *protocol.Envelope, body *protocol.Changes) error {
	if st := c.machine.State(); st != session.Catchup && st != session.Live {
		return session.Fail(session.KindProtocol, protocol.ErrUnexpectedMessage, "%s while %s", env.Type, st)
	}

	changes := body.Changes
	var last *lsn.LSN
	if body.LastLSN != nil {
		pos := *body.LastLSN
		last = &pos
	}

	if seq := body.Sequence; seq != nil && seq.Total > 1 {
		key := env.BatchID
		if key == "" {
			return session.Fail(session.KindProtocol, protocol.ErrMissingField, "chunked %s without batchId", env.Type)
		}
		if _, ok := c.open[key]; !ok {
			c.open[key] = c.machine.State() == session.Catchup
		}
		if last != nil {
			if prev, ok := c.batchLSN[key]; !ok || prev.Less(*last) {
				c.batchLSN[key] = *last
			}
		}

		batch, err := c.sess.Reassembler.Accept(key, *seq, changes)
		if errors.Is(err, reassembly.ErrDuplicateChunk) {
			c.logger.Debug("Duplicate chunk ignored", log.String("batch", key), log.Int("chunk", seq.Chunk))
			return nil
		}
		if err != nil {
			return session.Fail(session.KindProtocol, err, "chunk %d/%d of batch %s", seq.Chunk, seq.Total, key)
		}
		if batch == nil {
			return nil
		}

		changes = batch.Changes
		last = nil
		if pos, ok := c.batchLSN[key]; ok {
			last = &pos
		}
		delete(c.batchLSN, key)
		delete(c.open, key)
	}

	return c.applyBatch(ctx, changes, last)
}

// applyBatch applies a complete batch and acknowledges it. The position is
// confirmed only after the applied ack went out.
func (c *Controller) applyBatch(ctx context.Context, changes []protocol.TableChange, last *lsn.LSN) error {
	trailing, ok := protocol.MaxLSN(changes)
	if last != nil && (!ok || trailing.Less(*last)) {
		trailing, ok = *last, true
	}
	var ackLSN *lsn.LSN
	if ok {
		ackLSN = &trailing
	}
	ids := protocol.ChangeIDs(changes)

	if err := c.send(ctx, protocol.TypeChangesRecv, &protocol.ChangesAck{ChangeIDs: ids, LastLSN: ackLSN}); err != nil {
		return err
	}

	applied, err := storage.ApplyAll(ctx, c.store, changes)
	if err != nil {
		return session.Fail(session.KindStorage, err, "apply batch of %d changes", len(changes))
	}

	if err := c.send(ctx, protocol.TypeChangesApplied, &protocol.ChangesAck{ChangeIDs: ids, LastLSN: ackLSN}); err != nil {
		return err
	}
	c.machine.RecordBatch(len(changes))

	if ok {
		c.machine.SetServerLSN(trailing)
		if err := c.confirm(ctx, trailing); err != nil {
			return err
		}
	}

	c.logger.Debug("Batch applied",
		log.Int("changes", len(changes)),
		log.Int("applied", applied),
		log.Bool("has_lsn", ok))
	return nil
}

func (c *Controller) confirm(ctx context.Context, pos lsn.LSN) error {
	if c.opts.Hold() || c.BacklogPending() > 0 || !c.machine.LastConfirmed().Less(pos) {
		return nil
	}
	if err := c.state.SaveLSN(ctx, pos); err != nil {
		return session.Fail(session.KindStorage, err, "persist position %s", pos)
	}
	c.machine.Confirm(pos)
	return nil
}

func (c *Controller) send(ctx context.Context, t protocol.MessageType, body protocol.Body) error {
	env := protocol.NewEnvelope(t, body)
	env.ClientID = c.sess.ClientID
	if err := c.sender.Send(ctx, env); err != nil {
		return session.AsFailure(err, session.KindTransport)
	}
	return nil
}

// BacklogPending counts catchup batches still waiting for chunks. While any
// is pending no position is confirmed, so a later batch cannot skip it.
func (c *Controller) BacklogPending() int {
	n := 0
	for _, catchup := range c.open {
		if catchup {
			n++
		}
	}
	return n
}

// HandleExpired handles a chunked batch that never completed. A steady-state
// batch is dropped because the next position-anchored batch supersedes it.
// A backlog batch cannot be skipped, so it fails the session and the engine
// resumes from the last confirmed position.
func (c *Controller) HandleExpired(exp reassembly.Expired) error {
	catchup := c.open[exp.Key] || c.machine.State() == session.Catchup
	delete(c.batchLSN, exp.Key)
	delete(c.open, exp.Key)
	if catchup {
		return session.Fail(session.KindReassembly, nil, "backlog batch %s timed out with %d/%d chunks",
			exp.Key, exp.Received, exp.Total)
	}
	c.machine.RecordDropped()
	c.logger.Warn("Dropped incomplete batch",
		log.String("batch", exp.Key),
		log.Int("received", exp.Received),
		log.Int("total", exp.Total))
	return nil
}

// HandleServerReceived records srv_changes_received.
func (c *Controller) HandleServerReceived(ctx context.Context, body *protocol.ServerReceived) error {
	if err := c.box.MarkAcknowledged(ctx, body.ChangeIDs); err != nil {
		return session.Fail(session.KindStorage, err, "acknowledge outbox entries")
	}
	return nil
}

// HandleServerApplied records srv_changes_applied. Applied entries leave the
// outbox; rejected ones move to failed and are reported, never retried.
func (c *Controller) HandleServerApplied(ctx context.Context, body *protocol.ServerApplied) error {
	if len(body.AppliedChanges) == 0 && !body.Success {
		return c.failInFlight(ctx, body.Error)
	}

	for _, ac := range body.AppliedChanges {
		reason := ac.Error
		if reason == "" && !body.Success {
			reason = body.Error
		}
		if reason == "" {
			if err := c.box.MarkApplied(ctx, []string{ac.ID}); err != nil {
				return session.Fail(session.KindStorage, err, "remove applied outbox entry")
			}
			continue
		}

		entry, known := c.box.Get(ac.ID)
		if !known || entry.Failed {
			continue
		}
		if err := c.box.MarkFailed(ctx, []string{ac.ID}, reason); err != nil {
			return session.Fail(session.KindStorage, err, "mark outbox entry failed")
		}
		c.machine.Reject(entry.ID, entry.Table, string(entry.Operation),
			session.Fail(session.KindRejected, protocol.ErrServerError, "%s", reason))
	}
	return nil
}

// Flush sends outbox entries. With all set every pending entry is sent,
// which is what a fresh connection does; otherwise only new entries and
// those whose ack window elapsed go out. It does nothing unless live.
func (c *Controller) Flush(ctx context.Context, all bool) error {
	if c.machine.State() != session.Live {
		return nil
	}

	var entries []outbox.Entry
	if all {
		entries = c.box.Pending()
	} else {
		resend, exhausted, err := c.box.Due(ctx, c.now())
		if err != nil {
			return session.Fail(session.KindStorage, err, "scan outbox")
		}
		for _, f := range exhausted {
			c.machine.Reject(f.ID, f.Table, string(f.Operation),
				session.Fail(session.KindAckTimeout, nil, "%s", f.Reason))
		}
		entries = resend
	}

	for start := 0; start < len(entries); start += c.opts.SendBatchSize {
		end := min(start+c.opts.SendBatchSize, len(entries))
		part := entries[start:end]

		changes := make([]protocol.TableChange, len(part))
		ids := make([]string, len(part))
		for i, e := range part {
			changes[i] = e.Change()
			ids[i] = e.ID
		}

		env := protocol.NewEnvelope(protocol.TypeSendChanges, &protocol.SendChanges{Changes: changes})
		env.ClientID = c.sess.ClientID
		if err := c.sender.Send(ctx, env); err != nil {
			return session.AsFailure(err, session.KindTransport)
		}
		if err := c.box.MarkSent(ctx, ids, env.MessageID); err != nil {
			return session.Fail(session.KindStorage, err, "record outbox delivery")
		}
		c.logger.Debug("Local changes sent", log.Int("changes", len(part)), log.String("message_id", env.MessageID))
	}
	return nil
}

// inFlight returns the entries a batch-level srv_changes_applied answers:
// those the server acknowledged but has not applied, or else the oldest
// batch sent and not yet acknowledged.
func (c *Controller) inFlight() []outbox.Entry {
	var acked, oldest []outbox.Entry
	for _, e := range c.box.Pending() {
		switch {
		case e.AcknowledgedByServer:
			acked = append(acked, e)
		case !e.Sent():
		case len(oldest) == 0 || oldest[0].LastMessageID == e.LastMessageID:
			oldest = append(oldest, e)
		}
	}
	if len(acked) > 0 {
		return acked
	}
	return oldest
}

// failInFlight rejects the in-flight batch when the server reports a failure
// without per-change results.
func (c *Controller) failInFlight(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "server failed to apply changes"
	}
	entries := c.inFlight()
	c.logger.Warn("Server failed to apply changes",
		log.String("error", reason),
		log.Int("changes", len(entries)))
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := c.box.MarkFailed(ctx, ids, reason); err != nil {
		return session.Fail(session.KindStorage, err, "mark outbox entries failed")
	}
	for _, e := range entries {
		c.machine.Reject(e.ID, e.Table, string(e.Operation),
			session.Fail(session.KindRejected, protocol.ErrServerError, "%s", reason))
	}
	return nil
}
