package initsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/reassembly"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
)

type recorder struct {
	sent []*protocol.Envelope
	err  error
}

func (r *recorder) Send(_ context.Context, env *protocol.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) types() []protocol.MessageType {
	out := make([]protocol.MessageType, len(r.sent))
	for i, env := range r.sent {
		out[i] = env.Type
	}
	return out
}

type harness struct {
	ctl     *Controller
	machine *session.Machine
	sess    *session.Session
	store   *storage.Memory
	sender  *recorder
	events  <-chan session.Transition
}

func newHarness(t *testing.T, start string) *harness {
	t.Helper()
	pos := lsn.MustParse(start)
	store := storage.NewMemory()
	require.NoError(t, store.SaveLSN(context.Background(), pos))

	machine := session.NewMachine("c1", pos, log.NewNop())
	t.Cleanup(machine.Close)
	events, sub := machine.Subscribe()
	t.Cleanup(sub.Cancel)
	require.NoError(t, machine.To(session.Connecting, nil))

	sess := session.New(1, "c1", pos, time.Minute, nil, log.NewNop())
	t.Cleanup(sess.Close)

	sender := &recorder{}
	ctl := New(Config{}, sess, machine, store, store, sender, log.NewNop())
	return &harness{ctl: ctl, machine: machine, sess: sess, store: store, sender: sender, events: events}
}

func (h *harness) states(t *testing.T, n int) []session.State {
	t.Helper()
	var out []session.State
	for len(out) < n {
		select {
		case tr := <-h.events:
			if sc, ok := tr.(session.StateChanged); ok {
				out = append(out, sc.To)
			}
		case <-time.After(time.Second):
			t.Fatalf("got %v, want %d transitions", out, n)
		}
	}
	return out
}

func (h *harness) chunk(t *testing.T, batch, table string, chunk, total int, ids ...string) error {
	t.Helper()
	changes := make([]protocol.TableChange, len(ids))
	for i, id := range ids {
		changes[i] = protocol.TableChange{Table: table, Operation: protocol.OpInsert, Data: protocol.Record{"id": id}}
	}
	body := &protocol.InitChanges{
		Changes:  changes,
		Sequence: protocol.ChunkSequence{Chunk: chunk, Total: total, Table: table},
	}
	env := protocol.NewChunkEnvelope(protocol.TypeInitChanges, batch, chunk, body)
	return h.ctl.HandleChunk(context.Background(), env, body)
}

func failureOf(t *testing.T, err error) *session.Failure {
	t.Helper()
	require.Error(t, err)
	var f *session.Failure
	require.True(t, errors.As(err, &f), "not a failure: %v", err)
	return f
}

func TestStart_EqualPositionsGoLive(t *testing.T) {
	h := newHarness(t, "0/0")

	require.NoError(t, h.ctl.HandleStart(context.Background(), &protocol.InitStart{ServerLSN: lsn.Zero}))

	assert.Equal(t, []session.State{session.Connecting, session.Initial, session.Live}, h.states(t, 3))
	assert.False(t, h.ctl.SnapshotInProgress())
	assert.Empty(t, h.sender.sent)

	// A late completion signal is harmless once live.
	require.NoError(t, h.ctl.HandleComplete(context.Background(), &protocol.InitComplete{ServerLSN: lsn.Zero}))
}

func TestStart_BacklogGoesThroughCatchup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "10/0")

	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("20/0")}))
	assert.Equal(t, session.Catchup, h.machine.State())
	assert.False(t, h.ctl.SnapshotInProgress(), "a synced client only replays the backlog")

	require.NoError(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("20/0")}))

	assert.Equal(t,
		[]session.State{session.Connecting, session.Initial, session.Catchup, session.Live},
		h.states(t, 4))
	assert.Equal(t, []protocol.MessageType{protocol.TypeInitProcessed}, h.sender.types())

	saved, err := h.store.LoadLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn.MustParse("20/0"), saved)
	assert.Equal(t, lsn.MustParse("20/0"), h.machine.LastConfirmed())
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(context.Background(), &protocol.InitStart{ServerLSN: lsn.MustParse("1/0")}))
	f := failureOf(t, h.ctl.HandleStart(context.Background(), &protocol.InitStart{ServerLSN: lsn.MustParse("1/0")}))
	assert.Equal(t, session.KindProtocol, f.Kind)
}

func TestSnapshot_FullTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))
	assert.True(t, h.ctl.SnapshotInProgress())

	require.NoError(t, h.chunk(t, "bu", "users", 2, 2, "u2"))
	require.NoError(t, h.chunk(t, "bu", "users", 1, 2, "u1"))
	require.NoError(t, h.chunk(t, "bp", "projects", 1, 1, "p1"))
	require.NoError(t, h.chunk(t, "bt", "tasks", 1, 1, "t1", "t2"))
	require.NoError(t, h.chunk(t, "bc", "comments", 1, 1))
	require.NoError(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("5/0")}))

	var acks []string
	for _, env := range h.sender.sent {
		if body, ok := env.Body.(*protocol.InitReceived); ok {
			acks = append(acks, fmt.Sprintf("%s/%d", body.Table, body.Chunk))
		}
	}
	assert.Equal(t, []string{"users/2", "users/1", "projects/1", "tasks/1", "comments/1"}, acks)
	assert.Equal(t, protocol.TypeInitProcessed, h.sender.sent[len(h.sender.sent)-1].Type)

	users, err := h.store.List(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []storage.Record{{"id": "u1"}, {"id": "u2"}}, users)
	tasks, err := h.store.List(ctx, "tasks")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	assert.Equal(t, session.Live, h.machine.State())
	assert.False(t, h.ctl.SnapshotInProgress())
	assert.Equal(t, []string{"users", "projects", "tasks", "comments"}, h.ctl.Observed())
	assert.Equal(t, uint64(4), h.machine.Status().Counters.BatchesApplied)
}

func TestSnapshot_RebasesPositionBelowClient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "30/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("20/0")}))

	require.NoError(t, h.chunk(t, "bu", "users", 1, 1, "u1"))
	require.NoError(t, h.chunk(t, "bp", "projects", 1, 1, "p1"))
	require.NoError(t, h.chunk(t, "bt", "tasks", 1, 1, "t1"))
	require.NoError(t, h.chunk(t, "bc", "comments", 1, 1))
	require.NoError(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("20/0")}))

	assert.Equal(t, session.Live, h.machine.State())
	assert.Equal(t, lsn.MustParse("20/0"), h.machine.LastConfirmed())
	saved, err := h.store.LoadLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn.MustParse("20/0"), saved)
}

func TestCatchup_NeverLowersPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "30/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("20/0")}))
	require.NoError(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("20/0")}))

	assert.Equal(t, lsn.MustParse("30/0"), h.machine.LastConfirmed())
	saved, err := h.store.LoadLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn.MustParse("30/0"), saved)
}

func TestSnapshot_DuplicateChunkAckedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))

	require.NoError(t, h.chunk(t, "bu", "users", 1, 2, "u1"))
	require.NoError(t, h.chunk(t, "bu", "users", 1, 2, "u1"))
	require.NoError(t, h.chunk(t, "bu", "users", 2, 2, "u2"))
	require.NoError(t, h.chunk(t, "bu", "users", 2, 2, "u2"))

	assert.Len(t, h.sender.sent, 4, "every delivery is acknowledged")
	assert.Equal(t, uint64(1), h.machine.Status().Counters.BatchesApplied)
}

func TestSnapshot_LowerLevelAfterHigherFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))

	require.NoError(t, h.chunk(t, "bt", "tasks", 1, 1, "t1"))
	f := failureOf(t, h.chunk(t, "bu", "users", 1, 1, "u1"))
	assert.Equal(t, session.KindProtocol, f.Kind)
	assert.ErrorIs(t, f, protocol.ErrProtocolViolation)

	_, err := h.store.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "the out-of-order table is not applied")
}

func TestSnapshot_HigherLevelBeforeLowerCompletesFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))

	require.NoError(t, h.chunk(t, "bu", "users", 1, 2, "u1"))
	f := failureOf(t, h.chunk(t, "bp", "projects", 1, 1, "p1"))
	assert.ErrorIs(t, f, protocol.ErrProtocolViolation)
	assert.Contains(t, f.Reason, "before users")
}

func TestSnapshot_SameLevelInterleaveAllowed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	h.ctl.cfg.Hierarchy = session.Hierarchy{"users": 0, "labels": 0, "tasks": 1}
	h.ctl.cfg.ExpectedTables = []string{"users", "labels", "tasks"}
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))

	require.NoError(t, h.chunk(t, "bu", "users", 1, 2, "u1"))
	require.NoError(t, h.chunk(t, "bl", "labels", 1, 1, "l1"))
	require.NoError(t, h.chunk(t, "bu", "users", 2, 2, "u2"))
	require.NoError(t, h.chunk(t, "bt", "tasks", 1, 1, "t1"))
	require.NoError(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("5/0")}))
}

func TestSnapshot_UnknownTable(t *testing.T) {
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(context.Background(), &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))
	f := failureOf(t, h.chunk(t, "bx", "labels", 1, 1, "l1"))
	assert.ErrorIs(t, f, protocol.ErrInvalidField)
}

func TestSnapshot_MissingTableIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))

	require.NoError(t, h.chunk(t, "bu", "users", 1, 1, "u1"))
	require.NoError(t, h.chunk(t, "bt", "tasks", 1, 1, "t1"))

	f := failureOf(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("5/0")}))
	assert.True(t, f.Fatal)
	assert.False(t, f.Retryable())
	assert.Contains(t, f.Reason, "projects")
	assert.Contains(t, f.Reason, "comments")

	saved, err := h.store.LoadLSN(ctx)
	require.NoError(t, err)
	assert.True(t, saved.IsZero(), "position is not confirmed for a broken snapshot")
}

func TestSnapshot_CompleteWithPendingTableFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(ctx, &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))
	require.NoError(t, h.chunk(t, "bu", "users", 1, 3, "u1"))

	f := failureOf(t, h.ctl.HandleComplete(ctx, &protocol.InitComplete{ServerLSN: lsn.MustParse("5/0")}))
	assert.Contains(t, f.Reason, "users incomplete")
}

func TestSnapshot_ChunkWhileLiveFails(t *testing.T) {
	h := newHarness(t, "1/0")
	require.NoError(t, h.ctl.HandleStart(context.Background(), &protocol.InitStart{ServerLSN: lsn.MustParse("1/0")}))
	f := failureOf(t, h.chunk(t, "bu", "users", 1, 1, "u1"))
	assert.ErrorIs(t, f, protocol.ErrUnexpectedMessage)
}

func TestSnapshot_AckFailureIsTransport(t *testing.T) {
	h := newHarness(t, "0/0")
	require.NoError(t, h.ctl.HandleStart(context.Background(), &protocol.InitStart{ServerLSN: lsn.MustParse("5/0")}))
	h.sender.err = protocol.ErrConnectionClosed

	f := failureOf(t, h.chunk(t, "bu", "users", 1, 1, "u1"))
	assert.Equal(t, session.KindTransport, f.Kind)
	assert.ErrorIs(t, f, protocol.ErrConnectionClosed)
}

func TestHandleExpired(t *testing.T) {
	h := newHarness(t, "0/0")
	f := failureOf(t, h.ctl.HandleExpired(reassembly.Expired{Key: "bu", Table: "users", Received: 1, Total: 3}))
	assert.Equal(t, session.KindReassembly, f.Kind)
	assert.Contains(t, f.Reason, "1/3")
}
