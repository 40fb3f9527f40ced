// Package client is the embedding API of the sync engine: a local-first
// store of users, projects, tasks and comments kept in step with a server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeusync/tasksync/internal/core/engine"
	"github.com/zeusync/tasksync/internal/core/events/bus"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// Options holds the collaborators of a client. Store, State and Outbox may be
// the same SQLite database.
type Options struct {
	Engine        engine.Options
	Dialer        transport.Dialer
	Store         storage.LocalStore
	State         storage.StateStore
	Outbox        outbox.Store
	OutboxOptions outbox.Options
	Logger        log.Log
}

// Client represents one local replica and its connection to the server.
type Client struct {
	engine *engine.Engine
	store  storage.LocalStore
	box    *outbox.Outbox
	tables session.Hierarchy
	closed int32
	logger log.Log
}

// New opens the outbox and prepares the engine. It does not connect; call
// Run for that.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Store == nil || opts.State == nil || opts.Outbox == nil {
		return nil, fmt.Errorf("%w: store, state and outbox are required", ErrInvalidConfig)
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	box, err := outbox.Open(ctx, opts.Outbox, opts.OutboxOptions, logger)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ctx, opts.Engine, opts.Dialer, opts.Store, opts.State, box, logger)
	if err != nil {
		return nil, err
	}

	tables := opts.Engine.Hierarchy
	if tables == nil {
		tables = session.DefaultHierarchy()
	}

	c := &Client{
		engine: eng,
		store:  opts.Store,
		box:    box,
		tables: tables,
		logger: logger.With(log.String("component", "client")),
	}
	c.logger.Info("Client created", log.String("client_id", eng.ClientID()))
	return c, nil
}

// Run keeps the replica in sync until ctx is cancelled. It returns an error
// only for failures that reconnecting cannot fix.
func (c *Client) Run(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	return c.engine.Run(ctx)
}

// ID returns the stable client id.
func (c *Client) ID() string {
	return c.engine.ClientID()
}

// EnqueueLocalChange applies a local mutation and queues it for the server.
// It works offline; the change is sent once the session is live.
func (c *Client) EnqueueLocalChange(ctx context.Context, table string, op protocol.Operation, data protocol.Record) (outbox.Entry, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return outbox.Entry{}, ErrClientClosed
	}
	if _, ok := c.tables.Level(table); !ok {
		return outbox.Entry{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	change := protocol.TableChange{Table: table, Operation: op, Data: data}
	if err := change.Validate(); err != nil {
		return outbox.Entry{}, fmt.Errorf("%w: %w", ErrInvalidChange, err)
	}

	prev, err := c.store.Get(ctx, table, data.ID())
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return outbox.Entry{}, err
	}

	if err := c.applyLocal(ctx, table, op, data); err != nil {
		return outbox.Entry{}, err
	}

	entry, err := c.box.Enqueue(ctx, table, op, data, c.engine.LastConfirmed())
	if err != nil {
		if rerr := c.restore(ctx, table, data.ID(), prev, existed); rerr != nil {
			c.logger.Error("Failed to roll back local change",
				log.String("table", table),
				log.String("id", data.ID()),
				log.Error(rerr))
		}
		return outbox.Entry{}, err
	}
	c.engine.Kick()
	return entry, nil
}

// restore puts a row back the way it was before an unqueued local write.
func (c *Client) restore(ctx context.Context, table, id string, prev protocol.Record, existed bool) error {
	if existed {
		return c.store.Put(ctx, table, prev)
	}
	err := c.store.Delete(ctx, table, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) applyLocal(ctx context.Context, table string, op protocol.Operation, data protocol.Record) error {
	switch op {
	case protocol.OpDelete:
		err := c.store.Delete(ctx, table, data.ID())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	case protocol.OpUpdate:
		current, err := c.store.Get(ctx, table, data.ID())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return c.store.Put(ctx, table, data)
		case err != nil:
			return err
		}
		merged := current.Clone()
		for k, v := range data {
			merged[k] = v
		}
		return c.store.Put(ctx, table, merged)
	default:
		return c.store.Put(ctx, table, data)
	}
}

// Get reads a row from the local replica.
func (c *Client) Get(ctx context.Context, table, id string) (protocol.Record, error) {
	return c.store.Get(ctx, table, id)
}

// List reads every row of a table from the local replica.
func (c *Client) List(ctx context.Context, table string) ([]protocol.Record, error) {
	return c.store.List(ctx, table)
}

// Status returns the session state, positions, last failure and the number
// of unsynced and failed local changes.
func (c *Client) Status() session.Status {
	return c.engine.Status()
}

// Subscribe streams state changes, confirmed positions and rejected changes
// in order.
func (c *Client) Subscribe() (<-chan session.Transition, bus.Subscription) {
	return c.engine.Machine().Subscribe()
}

// Pending lists local changes not yet applied by the server.
func (c *Client) Pending() []outbox.Entry {
	return c.box.Pending()
}

// Failures lists local changes the server rejected or that ran out of
// attempts.
func (c *Client) Failures() []outbox.Entry {
	return c.box.Failed()
}

// Discard drops a failed change.
func (c *Client) Discard(ctx context.Context, id string) error {
	return c.box.Discard(ctx, id)
}

// Retry puts a failed change back in the queue.
func (c *Client) Retry(ctx context.Context, id string) error {
	if err := c.box.Retry(ctx, id); err != nil {
		return err
	}
	c.engine.Kick()
	return nil
}

// Close ends subscriptions. Stop Run first by cancelling its context.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.engine.Machine().Close()
	c.logger.Info("Client closed")
	return nil
}
