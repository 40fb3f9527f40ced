// Package middlewares holds hooks the server runs around every client
// connection and every inbound message.
package middlewares

import (
	"context"
	"sort"

	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// Middleware observes or vetoes client traffic. An error from OnConnect
// refuses the connection; an error from BeforeHandle drops the message and
// is reported back to the client.
type Middleware interface {
	Name() string
	// Priority orders the chain, highest first.
	Priority() uint16

	OnConnect(ctx context.Context, client transport.Params) error
	OnDisconnect(ctx context.Context, client transport.Params, reason error)
	BeforeHandle(ctx context.Context, client transport.Params, env *protocol.Envelope) error
	AfterHandle(ctx context.Context, client transport.Params, env *protocol.Envelope, err error)
}

// Chain runs middlewares in priority order.
type Chain struct {
	mw []Middleware
}

// NewChain sorts mw by priority.
func NewChain(mw ...Middleware) *Chain {
	sorted := append([]Middleware(nil), mw...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Chain{mw: sorted}
}

// Names lists the middlewares in the order they run.
func (c *Chain) Names() []string {
	names := make([]string, len(c.mw))
	for i, m := range c.mw {
		names[i] = m.Name()
	}
	return names
}

// Connect stops at the first middleware refusing the client.
func (c *Chain) Connect(ctx context.Context, client transport.Params) error {
	for _, m := range c.mw {
		if err := m.OnConnect(ctx, client); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect runs in reverse order.
func (c *Chain) Disconnect(ctx context.Context, client transport.Params, reason error) {
	for i := len(c.mw) - 1; i >= 0; i-- {
		c.mw[i].OnDisconnect(ctx, client, reason)
	}
}

// Handle runs the before hooks, then next unless one of them refused the
// message, then the after hooks with the outcome.
func (c *Chain) Handle(ctx context.Context, client transport.Params, env *protocol.Envelope, next func() error) error {
	var err error
	for _, m := range c.mw {
		if err = m.BeforeHandle(ctx, client, env); err != nil {
			break
		}
	}
	if err == nil {
		err = next()
	}
	for i := len(c.mw) - 1; i >= 0; i-- {
		c.mw[i].AfterHandle(ctx, client, env, err)
	}
	return err
}
