package reassembly

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

func chunkChanges(chunk, size int) []protocol.TableChange {
	out := make([]protocol.TableChange, size)
	for i := range out {
		out[i] = protocol.TableChange{
			Table:     "tasks",
			Operation: protocol.OpInsert,
			Data:      protocol.Record{"id": fmt.Sprintf("c%d-%d", chunk, i)},
		}
	}
	return out
}

func seq(chunk, total int) protocol.ChunkSequence {
	return protocol.ChunkSequence{Chunk: chunk, Total: total, Table: "tasks"}
}

func TestAccept_OutOfOrderWithDuplicate(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())

	completions := 0
	var batch *Batch

	deliveries := []int{2, 1, 2, 3}
	for i, chunk := range deliveries {
		b, err := r.Accept("k", seq(chunk, 3), chunkChanges(chunk, 2))
		if i == 2 {
			assert.ErrorIs(t, err, ErrDuplicateChunk)
		} else {
			require.NoError(t, err)
		}
		if b != nil {
			completions++
			batch = b
			assert.Equal(t, len(deliveries)-1, i, "must complete on the last delivery")
		}
	}

	require.Equal(t, 1, completions)
	require.Len(t, batch.Changes, 6)
	assert.Equal(t, "c1-0", batch.Changes[0].Data.ID())
	assert.Equal(t, "c2-1", batch.Changes[3].Data.ID())
	assert.Equal(t, "c3-1", batch.Changes[5].Data.ID())
	assert.Equal(t, "tasks", batch.Table)
	assert.Equal(t, 0, r.Len())
}

func TestAccept_DuplicateDoesNotOverwrite(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())

	_, err := r.Accept("k", seq(1, 2), chunkChanges(1, 1))
	require.NoError(t, err)

	replacement := []protocol.TableChange{{Table: "tasks", Operation: protocol.OpDelete, Data: protocol.Record{"id": "other"}}}
	_, err = r.Accept("k", seq(1, 2), replacement)
	require.ErrorIs(t, err, ErrDuplicateChunk)

	b, err := r.Accept("k", seq(2, 2), chunkChanges(2, 1))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "c1-0", b.Changes[0].Data.ID())
}

func TestAccept_AnyPermutationCompletesOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		total := 1 + rng.Intn(8)
		order := rng.Perm(total)
		// sprinkle duplicates anywhere after their first delivery
		deliveries := make([]int, 0, total*2)
		for _, idx := range order {
			deliveries = append(deliveries, idx+1)
			if rng.Intn(3) == 0 {
				deliveries = append(deliveries, deliveries[rng.Intn(len(deliveries))])
			}
		}

		r := New(time.Minute, nil, log.NewNop())
		completions := 0
		var got *Batch
		for _, chunk := range deliveries {
			b, err := r.Accept("batch", seq(chunk, total), chunkChanges(chunk, 1+chunk%3))
			if err != nil {
				require.ErrorIs(t, err, ErrDuplicateChunk)
			}
			if b != nil {
				completions++
				got = b
			}
		}

		require.Equal(t, 1, completions, "round %d", round)
		pos := 0
		for chunk := 1; chunk <= total; chunk++ {
			for i := 0; i < 1+chunk%3; i++ {
				assert.Equal(t, fmt.Sprintf("c%d-%d", chunk, i), got.Changes[pos].Data.ID())
				pos++
			}
		}
		assert.Len(t, got.Changes, pos)
	}
}

func TestAccept_MissingChunkNeverCompletes(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())
	for _, chunk := range []int{1, 3, 1, 3} {
		b, _ := r.Accept("k", seq(chunk, 3), chunkChanges(chunk, 1))
		assert.Nil(t, b)
	}
	assert.True(t, r.Pending("k"))
	r.Reset()
	assert.False(t, r.Pending("k"))
}

func TestAccept_Validation(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())

	_, err := r.Accept("", seq(1, 1), nil)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = r.Accept("k", seq(0, 1), nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidSequence)

	_, err = r.Accept("k", seq(1, 2), nil)
	require.NoError(t, err)
	_, err = r.Accept("k", seq(2, 3), nil)
	assert.ErrorIs(t, err, ErrTotalMismatch)
}

func TestAccept_EmptySingleChunk(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())
	b, err := r.Accept("k", seq(1, 1), []protocol.TableChange{})
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Empty(t, b.Changes)
}

type timeout struct {
	key string
	gen uint64
}

func TestTimeout_ExpiresIncompleteBatch(t *testing.T) {
	fired := make(chan timeout, 4)
	r := New(20*time.Millisecond, func(key string, gen uint64) { fired <- timeout{key, gen} }, log.NewNop())

	_, err := r.Accept("k", seq(1, 2), chunkChanges(1, 1))
	require.NoError(t, err)

	select {
	case to := <-fired:
		exp, ok := r.Expire(to.key, to.gen)
		require.True(t, ok)
		assert.Equal(t, Expired{Key: "k", Table: "tasks", Received: 1, Total: 2}, exp)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.False(t, r.Pending("k"))

	// a late chunk starts a fresh batch instead of completing the old one
	b, err := r.Accept("k", seq(2, 2), chunkChanges(2, 1))
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestTimeout_CancelledOnCompletion(t *testing.T) {
	fired := make(chan timeout, 4)
	r := New(30*time.Millisecond, func(key string, gen uint64) { fired <- timeout{key, gen} }, log.NewNop())

	_, err := r.Accept("k", seq(1, 2), nil)
	require.NoError(t, err)
	b, err := r.Accept("k", seq(2, 2), nil)
	require.NoError(t, err)
	require.NotNil(t, b)

	select {
	case to := <-fired:
		t.Fatalf("timer fired after completion: %+v", to)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExpire_StaleGeneration(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())
	_, err := r.Accept("k", seq(1, 2), nil)
	require.NoError(t, err)

	_, ok := r.Expire("k", 999)
	assert.False(t, ok)
	assert.True(t, r.Pending("k"))

	_, ok = r.Expire("missing", 1)
	assert.False(t, ok)
}

func TestAccept_LateDuplicateAfterCompletion(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())

	b, err := r.Accept("k", seq(1, 1), chunkChanges(1, 1))
	require.NoError(t, err)
	require.NotNil(t, b)

	b, err = r.Accept("k", seq(1, 1), chunkChanges(1, 1))
	assert.ErrorIs(t, err, ErrDuplicateChunk)
	assert.Nil(t, b)
	assert.Equal(t, 0, r.Len())
}

func TestAccept_CompletedMemoryIsBounded(t *testing.T) {
	r := New(time.Minute, nil, log.NewNop())
	for i := 0; i < completedMemory+10; i++ {
		_, err := r.Accept(fmt.Sprintf("k%d", i), seq(1, 1), nil)
		require.NoError(t, err)
	}
	assert.Len(t, r.completed, completedMemory)

	// the oldest keys were forgotten and may be reused
	b, err := r.Accept("k0", seq(1, 1), nil)
	require.NoError(t, err)
	assert.NotNil(t, b)
}
