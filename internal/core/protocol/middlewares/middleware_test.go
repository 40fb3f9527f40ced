package middlewares

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

type recorder struct {
	name     string
	priority uint16
	refuse   error
	calls    *[]string
}

func (r *recorder) Name() string     { return r.name }
func (r *recorder) Priority() uint16 { return r.priority }

func (r *recorder) OnConnect(context.Context, transport.Params) error {
	*r.calls = append(*r.calls, "connect:"+r.name)
	return r.refuse
}

func (r *recorder) OnDisconnect(context.Context, transport.Params, error) {
	*r.calls = append(*r.calls, "disconnect:"+r.name)
}

func (r *recorder) BeforeHandle(context.Context, transport.Params, *protocol.Envelope) error {
	*r.calls = append(*r.calls, "before:"+r.name)
	return r.refuse
}

func (r *recorder) AfterHandle(context.Context, transport.Params, *protocol.Envelope, error) {
	*r.calls = append(*r.calls, "after:"+r.name)
}

var client = transport.Params{ClientID: "c1", Token: "t"}

func sendChanges() *protocol.Envelope {
	return protocol.NewEnvelope(protocol.TypeSendChanges, &protocol.SendChanges{})
}

func TestChain_Order(t *testing.T) {
	var calls []string
	chain := NewChain(
		&recorder{name: "low", priority: 1, calls: &calls},
		&recorder{name: "high", priority: 9, calls: &calls},
	)
	assert.Equal(t, []string{"high", "low"}, chain.Names())

	require.NoError(t, chain.Connect(context.Background(), client))
	err := chain.Handle(context.Background(), client, sendChanges(), func() error {
		calls = append(calls, "next")
		return nil
	})
	require.NoError(t, err)
	chain.Disconnect(context.Background(), client, nil)

	assert.Equal(t, []string{
		"connect:high", "connect:low",
		"before:high", "before:low", "next", "after:low", "after:high",
		"disconnect:low", "disconnect:high",
	}, calls)
}

func TestChain_RefusalSkipsHandler(t *testing.T) {
	var calls []string
	refused := errors.New("no")
	chain := NewChain(
		&recorder{name: "a", priority: 2, refuse: refused, calls: &calls},
		&recorder{name: "b", priority: 1, calls: &calls},
	)

	err := chain.Handle(context.Background(), client, sendChanges(), func() error {
		t.Fatal("handler ran after refusal")
		return nil
	})
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, []string{"before:a", "after:b", "after:a"}, calls)

	calls = nil
	assert.ErrorIs(t, chain.Connect(context.Background(), client), refused)
	assert.Equal(t, []string{"connect:a"}, calls)
}

func TestAuth(t *testing.T) {
	ctx := context.Background()

	open := NewAuth("", log.NewNop())
	assert.NoError(t, open.OnConnect(ctx, transport.Params{ClientID: "c1"}))
	assert.ErrorIs(t, open.OnConnect(ctx, transport.Params{}), ErrUnauthorized)

	guarded := NewAuth("secret", log.NewNop())
	assert.NoError(t, guarded.OnConnect(ctx, transport.Params{ClientID: "c1", Token: "secret"}))
	assert.ErrorIs(t, guarded.OnConnect(ctx, transport.Params{ClientID: "c1", Token: "guess"}), ErrUnauthorized)
	assert.ErrorIs(t, guarded.OnConnect(ctx, transport.Params{ClientID: "c1"}), ErrUnauthorized)
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := NewRateLimit(2, time.Second, log.NewNop())
	m.now = func() time.Time { return now }

	require.NoError(t, m.OnConnect(ctx, client))
	assert.NoError(t, m.BeforeHandle(ctx, client, sendChanges()))
	assert.NoError(t, m.BeforeHandle(ctx, client, sendChanges()))
	assert.ErrorIs(t, m.BeforeHandle(ctx, client, sendChanges()), ErrRateLimited)

	beat := protocol.NewEnvelope(protocol.TypeClientBeat, &protocol.ClientHeartbeat{})
	assert.NoError(t, m.BeforeHandle(ctx, client, beat))

	now = now.Add(1500 * time.Millisecond)
	assert.NoError(t, m.BeforeHandle(ctx, client, sendChanges()))

	other := transport.Params{ClientID: "c2"}
	assert.NoError(t, m.BeforeHandle(ctx, other, sendChanges()))

	unlimited := NewRateLimit(0, time.Second, log.NewNop())
	for i := 0; i < 10; i++ {
		assert.NoError(t, unlimited.BeforeHandle(ctx, client, sendChanges()))
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics()
	chain := NewChain(m)

	require.NoError(t, chain.Connect(ctx, client))
	_ = chain.Handle(ctx, client, sendChanges(), func() error { return nil })
	_ = chain.Handle(ctx, client, sendChanges(), func() error { return errors.New("boom") })
	chain.Disconnect(ctx, client, nil)

	stats := m.Messages()
	assert.Equal(t, MessageStats{Count: 2, Errors: 1}, stats[string(protocol.TypeSendChanges)])
	connects, disconnects := m.Connections()
	assert.Equal(t, int64(1), connects)
	assert.Equal(t, int64(1), disconnects)
}
