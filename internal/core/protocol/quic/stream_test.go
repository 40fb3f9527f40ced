package quic

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/protocol"
)

func pipePair(t *testing.T, config protocol.Config) (*StreamChannel, *StreamChannel) {
	t.Helper()
	a, b := net.Pipe()
	left := NewStreamChannel(a, config, nil)
	right := NewStreamChannel(b, config, nil)
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}

func TestStreamChannel_RoundTrip(t *testing.T) {
	left, right := pipePair(t, protocol.Config{MaxMessageSize: 1024})
	ctx := context.Background()

	go func() {
		_ = left.Send(ctx, []byte(`{"type":"clt_heartbeat"}`))
		_ = left.Send(ctx, []byte(`second`))
	}()

	first, err := right.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"clt_heartbeat"}`, string(first))

	second, err := right.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))
}

func TestStreamChannel_RejectsOversizedFrame(t *testing.T) {
	left, _ := pipePair(t, protocol.Config{MaxMessageSize: 4})

	err := left.Send(context.Background(), []byte("too long"))
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
}

func TestStreamChannel_ReceiveHonorsContext(t *testing.T) {
	_, right := pipePair(t, protocol.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := right.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamChannel_PeerCloseEndsReceive(t *testing.T) {
	left, right := pipePair(t, protocol.Config{})
	require.NoError(t, left.Close())

	_, err := right.Receive(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestStreamChannel_CloseRunsHook(t *testing.T) {
	a, _ := net.Pipe()
	calls := 0
	ch := NewStreamChannel(a, protocol.Config{}, func() error {
		calls++
		return nil
	})

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, calls)

	err := ch.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}
