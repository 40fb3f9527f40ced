package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newOutbox(t *testing.T, store Store, opts Options) (*Outbox, *clock) {
	t.Helper()
	o, err := Open(context.Background(), store, opts, log.NewNop())
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	o.now = c.now
	return o, c
}

func task(id, title string) protocol.Record {
	return protocol.Record{"id": id, "title": title}
}

func TestEnqueue_AppendsInOrder(t *testing.T) {
	ctx := context.Background()
	o, _ := newOutbox(t, NewMemoryStore(), Options{})

	a, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)
	b, err := o.Enqueue(ctx, "tasks", protocol.OpUpdate, task("t1", "b"), lsn.Zero)
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.Seq, b.Seq)

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)
	assert.Equal(t, 0, pending[0].Attempts)
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	o, _ := newOutbox(t, NewMemoryStore(), Options{})

	_, err := o.Enqueue(ctx, "", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = o.Enqueue(ctx, "tasks", protocol.Operation("upsert"), task("t1", "a"), lsn.Zero)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = o.Enqueue(ctx, "tasks", protocol.OpInsert, protocol.Record{"title": "x"}, lsn.Zero)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.Zero(t, o.Len())
}

func TestEnqueue_CopiesData(t *testing.T) {
	ctx := context.Background()
	o, _ := newOutbox(t, NewMemoryStore(), Options{})

	data := task("t1", "before")
	e, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, data, lsn.Zero)
	require.NoError(t, err)
	data["title"] = "after"

	got, ok := o.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "before", got.Data["title"])
}

func TestRoundTrip_AppliedRemoves(t *testing.T) {
	ctx := context.Background()
	o, _ := newOutbox(t, NewMemoryStore(), Options{})

	e, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)

	require.NoError(t, o.MarkApplied(ctx, []string{e.ID}))
	assert.Empty(t, o.Pending())
	_, ok := o.Get(e.ID)
	assert.False(t, ok)

	// Idempotent on removed entries.
	require.NoError(t, o.MarkApplied(ctx, []string{e.ID}))
	require.NoError(t, o.MarkAcknowledged(ctx, []string{e.ID}))
	require.NoError(t, o.MarkFailed(ctx, []string{e.ID}, "late"))
}

func TestRoundTrip_AcknowledgedStaysPending(t *testing.T) {
	ctx := context.Background()
	o, _ := newOutbox(t, NewMemoryStore(), Options{})

	e, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)

	require.NoError(t, o.MarkAcknowledged(ctx, []string{e.ID}))
	require.NoError(t, o.MarkAcknowledged(ctx, []string{e.ID}))

	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].AcknowledgedByServer)
	assert.False(t, pending[0].AppliedByServer)
}

func TestMarkFailed_NotPendingNotRetried(t *testing.T) {
	ctx := context.Background()
	o, c := newOutbox(t, NewMemoryStore(), Options{AckTimeout: time.Second})

	e, err := o.Enqueue(ctx, "users", protocol.OpInsert, protocol.Record{"id": "u1", "email": "a@b"}, lsn.Zero)
	require.NoError(t, err)
	require.NoError(t, o.MarkSent(ctx, []string{e.ID}, "m1"))
	require.NoError(t, o.MarkFailed(ctx, []string{e.ID}, "duplicate email"))

	assert.Empty(t, o.Pending())
	failed := o.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "duplicate email", failed[0].FailureReason)

	c.advance(time.Hour)
	resend, exhausted, err := o.Due(ctx, c.now())
	require.NoError(t, err)
	assert.Empty(t, resend)
	assert.Empty(t, exhausted)
}

func TestDue_ResendsVerbatimWithIncrementedAttempts(t *testing.T) {
	ctx := context.Background()
	o, c := newOutbox(t, NewMemoryStore(), Options{AckTimeout: 10 * time.Second, MaxAttempts: 5})

	e, err := o.Enqueue(ctx, "tasks", protocol.OpUpdate, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)

	resend, _, err := o.Due(ctx, c.now())
	require.NoError(t, err)
	require.Len(t, resend, 1)
	first := resend[0].Change()
	require.NoError(t, o.MarkSent(ctx, []string{e.ID}, "m1"))
	require.NoError(t, o.MarkAcknowledged(ctx, []string{e.ID}))

	c.advance(5 * time.Second)
	resend, _, err = o.Due(ctx, c.now())
	require.NoError(t, err)
	assert.Empty(t, resend, "ack window still open")

	c.advance(5 * time.Second)
	resend, exhausted, err := o.Due(ctx, c.now())
	require.NoError(t, err)
	assert.Empty(t, exhausted)
	require.Len(t, resend, 1)
	assert.Equal(t, first, resend[0].Change())

	require.NoError(t, o.MarkSent(ctx, []string{e.ID}, "m2"))
	got, ok := o.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "m2", got.LastMessageID)
	assert.False(t, got.AcknowledgedByServer)
	assert.Equal(t, task("t1", "a"), got.Data)
}

func TestDue_ExhaustedAttemptsFail(t *testing.T) {
	ctx := context.Background()
	o, c := newOutbox(t, NewMemoryStore(), Options{AckTimeout: time.Second, MaxAttempts: 2})

	e, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, o.MarkSent(ctx, []string{e.ID}, "m"))
		c.advance(time.Second)
		resend, exhausted, err := o.Due(ctx, c.now())
		require.NoError(t, err)
		if i == 0 {
			require.Len(t, resend, 1)
			assert.Empty(t, exhausted)
		} else {
			assert.Empty(t, resend)
			require.Len(t, exhausted, 1)
			assert.Equal(t, ReasonAckTimeout, exhausted[0].Reason)
		}
	}
	assert.Empty(t, o.Pending())
	assert.Len(t, o.Failed(), 1)
}

func TestDiscardAndRetry(t *testing.T) {
	ctx := context.Background()
	o, _ := newOutbox(t, NewMemoryStore(), Options{})

	a, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)
	b, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t2", "b"), lsn.Zero)
	require.NoError(t, err)

	assert.ErrorIs(t, o.Retry(ctx, a.ID), ErrInvalidEntry)
	assert.ErrorIs(t, o.Discard(ctx, "missing"), ErrNotFound)

	require.NoError(t, o.MarkSent(ctx, []string{a.ID, b.ID}, "m1"))
	require.NoError(t, o.MarkFailed(ctx, []string{a.ID, b.ID}, "rejected"))

	require.NoError(t, o.Retry(ctx, a.ID))
	require.NoError(t, o.Discard(ctx, b.ID))

	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Zero(t, pending[0].Attempts)
	assert.Empty(t, o.Failed())
}

func TestOpen_RestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o, _ := newOutbox(t, store, Options{})

	a, err := o.Enqueue(ctx, "projects", protocol.OpInsert, protocol.Record{"id": "p1"}, lsn.MustParse("A/1"))
	require.NoError(t, err)
	b, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.MustParse("A/1"))
	require.NoError(t, err)
	require.NoError(t, o.MarkSent(ctx, []string{a.ID}, "m1"))

	reopened, _ := newOutbox(t, store, Options{})
	pending := reopened.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, b.ID, pending[1].ID)
	assert.Equal(t, lsn.MustParse("A/1"), pending[1].LSN)

	c, err := reopened.Enqueue(ctx, "tasks", protocol.OpDelete, task("t1", ""), lsn.Zero)
	require.NoError(t, err)
	assert.Greater(t, c.Seq, b.Seq)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s failingStore) Update(context.Context, Entry) error { return s.err }

func TestMarkAcknowledged_StoreErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	o, _ := newOutbox(t, failingStore{MemoryStore: NewMemoryStore(), err: boom}, Options{})

	e, err := o.Enqueue(ctx, "tasks", protocol.OpInsert, task("t1", "a"), lsn.Zero)
	require.NoError(t, err)

	assert.ErrorIs(t, o.MarkAcknowledged(ctx, []string{e.ID}), boom)
	got, _ := o.Get(e.ID)
	assert.False(t, got.AcknowledgedByServer)
}
