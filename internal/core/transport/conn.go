package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultQueueSize         = 256
)

// Inbound is one item of the ordered inbound queue: a decoded envelope or
// the error that ended (or corrupted) the stream.
type Inbound struct {
	Envelope *protocol.Envelope
	Err      error
}

type Options struct {
	Codec protocol.Codec
	// HeartbeatInterval is how often Heartbeat is sent. Zero disables it.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the server may stay silent before the
	// connection is reported lost. Zero disables the check.
	HeartbeatTimeout time.Duration
	// Heartbeat builds the periodic client heartbeat.
	Heartbeat func() *protocol.Envelope
	QueueSize int
}

// Conn runs one channel: a reader goroutine decoding frames into the
// inbound queue, a heartbeat sender and a liveness watchdog, all in one
// errgroup. The queue is consumed by a single goroutine, which keeps
// inbound handling ordered.
type Conn struct {
	ch     Channel
	opts   Options
	logger log.Log

	inbound  chan Inbound
	group    *errgroup.Group
	cancel   context.CancelFunc
	lastRecv atomic.Int64

	sendMu    sync.Mutex
	closeOnce sync.Once
	failOnce  sync.Once
	done      chan struct{}
	err       error
}

// Start takes ownership of ch and starts its goroutines.
func Start(ctx context.Context, ch Channel, opts Options, logger log.Log) *Conn {
	if opts.Codec == nil {
		opts.Codec = &protocol.JSONCodec{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	c := &Conn{
		ch:      ch,
		opts:    opts,
		logger:  logger.With(log.String("component", "transport")),
		inbound: make(chan Inbound, opts.QueueSize),
		group:   group,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.lastRecv.Store(time.Now().UnixNano())

	group.Go(func() error { return c.readLoop(gctx) })
	if opts.HeartbeatInterval > 0 && opts.Heartbeat != nil {
		group.Go(func() error { return c.heartbeatLoop(gctx) })
	}
	if opts.HeartbeatTimeout > 0 {
		group.Go(func() error { return c.watchdog(gctx) })
	}
	go func() {
		_ = group.Wait()
		close(c.inbound)
	}()
	return c
}

// Inbound is the ordered queue of received items. It is closed after the
// connection stops.
func (c *Conn) Inbound() <-chan Inbound {
	return c.inbound
}

// Done is closed once the connection failed or was closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastReceived is when the last frame arrived.
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// Send encodes and writes one envelope.
func (c *Conn) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, c.errOr(ErrClosed))
	default:
	}

	frame, err := c.opts.Codec.Encode(env)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ch.Send(ctx, frame); err != nil {
		err = fmt.Errorf("%w: %s: %w", protocol.ErrSendFailed, env.Type, err)
		c.fail(err)
		return err
	}
	c.logger.Debug("Message sent",
		log.String("type", string(env.Type)),
		log.String("message_id", env.MessageID),
		log.Int("bytes", len(frame)))
	return nil
}

// Close stops the goroutines and closes the channel. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		c.cancel()
		err = c.ch.Close()
		_ = c.group.Wait()
	})
	return err
}

func (c *Conn) errOr(fallback error) error {
	if c.err != nil {
		return c.err
	}
	return fallback
}

// fail records the first terminal error and unblocks Done.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
		c.cancel()
	})
}

func (c *Conn) push(ctx context.Context, item Inbound) bool {
	select {
	case c.inbound <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		frame, err := c.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = fmt.Errorf("%w: %w", protocol.ErrConnectionLost, err)
			c.fail(err)
			c.pushFinal(Inbound{Err: err})
			return err
		}
		c.lastRecv.Store(time.Now().UnixNano())

		env, err := c.opts.Codec.Decode(frame)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", log.Error(err), log.Int("bytes", len(frame)))
			if !c.push(ctx, Inbound{Err: err}) {
				return nil
			}
			continue
		}
		if !c.push(ctx, Inbound{Envelope: env}) {
			return nil
		}
	}
}

// pushFinal queues the terminal error without waiting on the cancelled
// context, so the consumer always learns why the stream ended.
func (c *Conn) pushFinal(item Inbound) {
	select {
	case c.inbound <- item:
	default:
		c.logger.Warn("Inbound queue full, terminal error not queued", log.Error(item.Err))
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			env := c.opts.Heartbeat()
			if env == nil {
				continue
			}
			if err := c.Send(ctx, env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.pushFinal(Inbound{Err: err})
				return err
			}
		}
	}
}

func (c *Conn) watchdog(ctx context.Context) error {
	period := c.opts.HeartbeatTimeout / 4
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			silent := now.Sub(c.LastReceived())
			if silent < c.opts.HeartbeatTimeout {
				continue
			}
			err := fmt.Errorf("%w: %w after %s", protocol.ErrConnectionTimeout, ErrHeartbeatTimeout, silent.Truncate(time.Millisecond))
			c.logger.Warn("Server heartbeat lost", log.Duration("silent", silent))
			c.fail(err)
			c.pushFinal(Inbound{Err: err})
			return err
		}
	}
}

// IsProtocolError reports whether an inbound error is a malformed message
// rather than a transport failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed)
}
