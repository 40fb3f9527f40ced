// Package initsync drives the first-contact phase of a session: it decides
// between catchup and live, receives table snapshots in dependency order and
// confirms the starting position once everything was applied.
package initsync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/reassembly"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
)

// Sender delivers an envelope to the server.
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope) error
}

// Config describes what a complete snapshot contains.
type Config struct {
	Hierarchy session.Hierarchy
	// ExpectedTables must all be observed in a snapshot. Empty means every
	// table of Hierarchy.
	ExpectedTables []string
}

type tableProgress struct {
	level     int
	batches   map[string]bool
	completed int
	changes   int
}

func (p *tableProgress) pending() bool {
	return p.completed < len(p.batches)
}

// Controller handles one session's initial phase. It is owned by the session
// goroutine.
type Controller struct {
	cfg     Config
	sess    *session.Session
	machine *session.Machine
	store   storage.LocalStore
	state   storage.StateStore
	sender  Sender
	logger  log.Log

	snapshot bool
	tables   map[string]*tableProgress
	maxLevel int
	finished bool
}

// New builds the controller for sess.
func New(cfg Config, sess *session.Session, machine *session.Machine, store storage.LocalStore, state storage.StateStore, sender Sender, logger log.Log) *Controller {
	if cfg.Hierarchy == nil {
		cfg.Hierarchy = session.DefaultHierarchy()
	}
	if len(cfg.ExpectedTables) == 0 {
		cfg.ExpectedTables = cfg.Hierarchy.Tables()
	}
	return &Controller{
		cfg:      cfg,
		sess:     sess,
		machine:  machine,
		store:    store,
		state:    state,
		sender:   sender,
		logger:   logger.With(log.String("component", "initsync"), log.Uint64("session", sess.Generation)),
		tables:   make(map[string]*tableProgress),
		maxLevel: -1,
	}
}

// SnapshotInProgress reports whether snapshot tables are being received and
// the phase has not completed yet. Positions must not be confirmed meanwhile.
func (c *Controller) SnapshotInProgress() bool {
	return c.snapshot && !c.finished
}

// Observed returns the tables seen so far, in arrival level order.
func (c *Controller) Observed() []string {
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := c.tables[out[i]], c.tables[out[j]]
		if a.level != b.level {
			return a.level < b.level
		}
		return out[i] < out[j]
	})
	return out
}

// HandleStart processes srv_init_start: connecting -> initial, then on to
// live when the positions match and to catchup otherwise.
func (c *Controller) HandleStart(_ context.Context, body *protocol.InitStart) error {
	if st := c.machine.State(); st != session.Connecting {
		return session.Fail(session.KindProtocol, protocol.ErrUnexpectedMessage,
			"%s while %s", protocol.TypeInitStart, st)
	}
	if err := c.machine.To(session.Initial, nil); err != nil {
		return err
	}

	c.sess.ServerLSN = body.ServerLSN
	c.machine.SetServerLSN(body.ServerLSN)

	c.logger.Info("Initial phase started",
		log.Stringer("client_lsn", c.sess.StartLSN),
		log.Stringer("server_lsn", body.ServerLSN))

	if body.ServerLSN.Equal(c.sess.StartLSN) {
		c.finished = true
		return c.machine.To(session.Live, nil)
	}
	c.snapshot = c.sess.StartLSN.IsZero()
	return c.machine.To(session.Catchup, nil)
}

// HandleChunk processes one srv_init_changes chunk: it enforces table order,
// acknowledges the chunk and applies the table once its batch is complete.
func (c *Controller) HandleChunk(ctx context.Context, env *protocol.Envelope, body *protocol.InitChanges) error {
	if st := c.machine.State(); st != session.Catchup {
		return session.Fail(session.KindProtocol, protocol.ErrUnexpectedMessage,
			"%s while %s", protocol.TypeInitChanges, st)
	}

	seq := body.Sequence
	table := seq.Table
	level, ok := c.cfg.Hierarchy.Level(table)
	if !ok {
		return session.Fail(session.KindProtocol, protocol.ErrInvalidField, "snapshot of unknown table %q", table)
	}
	for i, ch := range body.Changes {
		if ch.Table != table {
			return session.Fail(session.KindProtocol, protocol.ErrInvalidField,
				"snapshot chunk for %s carries a %s change at %d", table, ch.Table, i)
		}
	}

	key := env.BatchID
	if key == "" {
		key = "init:" + table
	}

	progress := c.tables[table]
	known := false
	if progress != nil {
		_, known = progress.batches[key]
	}
	if !known {
		if err := c.checkOrder(table, level); err != nil {
			return err
		}
		if progress == nil {
			progress = &tableProgress{level: level, batches: make(map[string]bool)}
			c.tables[table] = progress
			c.logger.Debug("Snapshot table started", log.String("table", table), log.Int("level", level))
		}
		progress.batches[key] = false
		if level > c.maxLevel {
			c.maxLevel = level
		}
	}
	c.snapshot = true

	batch, err := c.sess.Reassembler.Accept(key, seq, body.Changes)
	switch {
	case errors.Is(err, reassembly.ErrDuplicateChunk):
		c.logger.Debug("Duplicate snapshot chunk",
			log.String("table", table),
			log.Int("chunk", seq.Chunk))
	case err != nil:
		return session.Fail(session.KindProtocol, err, "snapshot chunk %d/%d of %s", seq.Chunk, seq.Total, table)
	}

	ack := protocol.NewEnvelope(protocol.TypeInitReceived, &protocol.InitReceived{Table: table, Chunk: seq.Chunk})
	ack.ClientID = c.sess.ClientID
	if err := c.sender.Send(ctx, ack); err != nil {
		return session.AsFailure(err, session.KindTransport)
	}

	if batch == nil {
		return nil
	}

	applied, err := storage.ApplyAll(ctx, c.store, batch.Changes)
	if err != nil {
		return session.Fail(session.KindStorage, err, "apply snapshot of %s", table)
	}
	progress.batches[key] = true
	progress.completed++
	progress.changes += len(batch.Changes)
	c.machine.RecordBatch(len(batch.Changes))

	c.logger.Info("Snapshot table applied",
		log.String("table", table),
		log.Int("chunks", batch.Chunks),
		log.Int("changes", len(batch.Changes)),
		log.Int("applied", applied),
		log.Duration("elapsed", batch.Elapsed))
	return nil
}

// checkOrder rejects a table that starts after a table of a higher level,
// or while a table of a lower level is still incomplete.
func (c *Controller) checkOrder(table string, level int) error {
	if level < c.maxLevel {
		return session.Fail(session.KindProtocol, protocol.ErrProtocolViolation,
			"table %s (level %d) arrived after a level %d table", table, level, c.maxLevel)
	}
	for other, p := range c.tables {
		if other != table && p.level < level && p.pending() {
			return session.Fail(session.KindProtocol, protocol.ErrProtocolViolation,
				"table %s (level %d) started before %s (level %d) completed", table, level, other, p.level)
		}
	}
	return nil
}

// OwnsBatch reports whether key belongs to a snapshot table.
func (c *Controller) OwnsBatch(key string) bool {
	for _, p := range c.tables {
		if _, ok := p.batches[key]; ok {
			return true
		}
	}
	return false
}

// HandleExpired turns a snapshot reassembly timeout into a session failure.
func (c *Controller) HandleExpired(exp reassembly.Expired) error {
	return session.Fail(session.KindReassembly, nil,
		"snapshot of %s timed out with %d/%d chunks", exp.Table, exp.Received, exp.Total)
}

// HandleComplete processes srv_init_complete. It verifies the snapshot,
// confirms the server position and moves catchup -> live.
func (c *Controller) HandleComplete(ctx context.Context, body *protocol.InitComplete) error {
	st := c.machine.State()
	if st == session.Live && c.finished {
		c.logger.Debug("Ignoring completion signal, already live")
		return nil
	}
	if st != session.Catchup {
		return session.Fail(session.KindProtocol, protocol.ErrUnexpectedMessage,
			"%s while %s", protocol.TypeInitComplete, st)
	}

	for table, p := range c.tables {
		if p.pending() {
			return session.Fail(session.KindProtocol, protocol.ErrProtocolViolation,
				"snapshot completed with table %s incomplete", table)
		}
	}

	if c.snapshot {
		var missing []string
		for _, table := range c.cfg.ExpectedTables {
			if _, ok := c.tables[table]; !ok {
				missing = append(missing, table)
			}
		}
		if len(missing) > 0 {
			return session.FailFatal(session.KindProtocol, protocol.ErrProtocolViolation,
				"snapshot completed without tables %v", missing)
		}
	}

	ack := protocol.NewEnvelope(protocol.TypeInitProcessed, &protocol.InitProcessed{})
	ack.ClientID = c.sess.ClientID
	if err := c.sender.Send(ctx, ack); err != nil {
		return session.AsFailure(err, session.KindTransport)
	}

	pos := lsn.Max(c.sess.ServerLSN, body.ServerLSN)
	c.machine.SetServerLSN(pos)
	switch {
	case c.snapshot && c.machine.LastConfirmed() != pos:
		// Local state now mirrors the snapshot, whatever was confirmed before.
		if err := c.state.SaveLSN(ctx, pos); err != nil {
			return session.Fail(session.KindStorage, err, "persist position %s", pos)
		}
		c.machine.Rebase(pos)
	case c.machine.LastConfirmed().Less(pos):
		if err := c.state.SaveLSN(ctx, pos); err != nil {
			return session.Fail(session.KindStorage, err, "persist position %s", pos)
		}
		c.machine.Confirm(pos)
	}
	c.finished = true

	c.logger.Info("Initial phase complete",
		log.Bool("snapshot", c.snapshot),
		log.Strings("tables", c.Observed()),
		log.Stringer("lsn", pos))

	if err := c.machine.To(session.Live, nil); err != nil {
		return fmt.Errorf("finish initial phase: %w", err)
	}
	return nil
}
