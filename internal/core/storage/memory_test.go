package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

func change(table string, op protocol.Operation, data Record, pos string) protocol.TableChange {
	c := protocol.TableChange{Table: table, Operation: op, Data: data}
	if pos != "" {
		p := lsn.MustParse(pos)
		c.LSN = &p
	}
	return c
}

func snapshot(t *testing.T, s *Memory, table string) []Record {
	t.Helper()
	rows, err := s.List(context.Background(), table)
	require.NoError(t, err)
	return rows
}

func TestApplyChange_ReapplyIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	changes := []protocol.TableChange{
		change("tasks", protocol.OpInsert, Record{"id": "t1", "title": "a"}, "1/1"),
		change("tasks", protocol.OpUpdate, Record{"id": "t1", "title": "b"}, "1/2"),
		change("tasks", protocol.OpInsert, Record{"id": "t2", "title": "c"}, "1/3"),
		change("tasks", protocol.OpDelete, Record{"id": "t2"}, "1/4"),
	}
	n, err := ApplyAll(ctx, s, changes)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	before := snapshot(t, s, "tasks")

	for _, c := range changes {
		applied, err := s.ApplyChange(ctx, c)
		require.NoError(t, err)
		assert.False(t, applied, c.ChangeID())
		assert.Equal(t, before, snapshot(t, s, "tasks"))
	}
	assert.Equal(t, []Record{{"id": "t1", "title": "b"}}, before)
}

func TestApplyChange_IdenticalWithoutPosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	c := change("users", protocol.OpInsert, Record{"id": "u1", "name": "ada"}, "")
	applied, err := s.ApplyChange(ctx, c)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyChange(ctx, c)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyChange_UpdateMerges(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Put(ctx, "tasks", Record{"id": "t1", "title": "a", "done": false}))

	_, err := s.ApplyChange(ctx, change("tasks", protocol.OpUpdate, Record{"id": "t1", "done": true}, "2/0"))
	require.NoError(t, err)

	got, err := s.Get(ctx, "tasks", "t1")
	require.NoError(t, err)
	assert.Equal(t, Record{"id": "t1", "title": "a", "done": true}, got)
}

func TestApplyChange_TombstoneBlocksOlderInsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	applied, err := s.ApplyChange(ctx, change("comments", protocol.OpDelete, Record{"id": "c1"}, "5/0"))
	require.NoError(t, err)
	assert.False(t, applied, "deleting an absent row changes nothing visible")

	applied, err = s.ApplyChange(ctx, change("comments", protocol.OpInsert, Record{"id": "c1", "body": "x"}, "4/0"))
	require.NoError(t, err)
	assert.False(t, applied)
	_, err = s.Get(ctx, "comments", "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	applied, err = s.ApplyChange(ctx, change("comments", protocol.OpInsert, Record{"id": "c1", "body": "y"}, "6/0"))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyChange_Rejects(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.ApplyChange(ctx, change("tasks", protocol.OpInsert, Record{"title": "x"}, ""))
	assert.ErrorIs(t, err, ErrNoRecordID)

	_, err = s.ApplyChange(ctx, change("tasks", protocol.Operation("merge"), Record{"id": "t"}, ""))
	assert.ErrorIs(t, err, protocol.ErrInvalidField)
}

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Put(ctx, "projects", Record{"id": "p2", "name": "b"}))
	require.NoError(t, s.Put(ctx, "projects", Record{"id": "p1", "name": "a"}))
	assert.ErrorIs(t, s.Put(ctx, "projects", Record{"name": "x"}), ErrNoRecordID)

	rows := snapshot(t, s, "projects")
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0].ID())

	require.NoError(t, s.Delete(ctx, "projects", "p1"))
	assert.ErrorIs(t, s.Delete(ctx, "projects", "p1"), ErrNotFound)
	_, err := s.Get(ctx, "projects", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, snapshot(t, s, "projects"), 1)
}

func TestMemory_State(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	pos, err := s.LoadLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn.Zero, pos)

	require.NoError(t, s.SaveLSN(ctx, lsn.MustParse("16/B374D848")))
	pos, err = s.LoadLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn.MustParse("16/B374D848"), pos)

	require.NoError(t, s.SaveClientID(ctx, "client-1"))
	id, err := s.LoadClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)
}

func TestChecksum_KeyOrderIndependent(t *testing.T) {
	a, err := Checksum(Record{"id": "1", "a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := Checksum(Record{"b": "x", "a": 1, "id": "1"})
	require.NoError(t, err)
	c, err := Checksum(Record{"id": "1", "a": 2, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
