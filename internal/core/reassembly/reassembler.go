// Package reassembly buffers the chunks of multi-part change batches until
// every index has arrived, then releases the batch in chunk order.
package reassembly

import (
	"errors"
	"fmt"
	"time"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

// DefaultTimeout bounds how long a batch may stay incomplete, measured from
// its first chunk.
const DefaultTimeout = 30 * time.Second

// completedMemory is how many completed batch keys are remembered so that
// late duplicates of an already released batch are not mistaken for a new one.
const completedMemory = 256

var (
	ErrDuplicateChunk = errors.New("duplicate chunk")
	ErrTotalMismatch  = errors.New("chunk total differs from batch")
	ErrSizeMismatch   = errors.New("reassembled size mismatch")
	ErrEmptyKey       = errors.New("empty batch key")
)

// Batch is a fully reassembled batch.
type Batch struct {
	Key     string
	Table   string
	Chunks  int
	Changes []protocol.TableChange
	Elapsed time.Duration
}

// Expired describes a batch discarded on timeout.
type Expired struct {
	Key      string
	Table    string
	Received int
	Total    int
}

// TimeoutFunc is invoked from a timer goroutine when a batch times out. It
// must not call back into the Reassembler directly; owners forward the
// notification to the goroutine that owns the Reassembler, which then calls
// Expire with the same arguments.
type TimeoutFunc func(key string, generation uint64)

type pendingSet struct {
	generation uint64
	table      string
	slots      [][]protocol.TableChange
	filled     []bool
	received   int
	totalSize  int
	startedAt  time.Time
	timer      *time.Timer
}

// Reassembler is not safe for concurrent use; one goroutine owns it.
type Reassembler struct {
	timeout    time.Duration
	onTimeout  TimeoutFunc
	pending    map[string]*pendingSet
	generation uint64
	logger     log.Log
	now        func() time.Time

	completed     map[string]struct{}
	completedRing []string
	ringPos       int
}

// New creates a Reassembler. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, onTimeout TimeoutFunc, logger log.Log) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if onTimeout == nil {
		onTimeout = func(string, uint64) {}
	}
	return &Reassembler{
		timeout:   timeout,
		onTimeout: onTimeout,
		pending:   make(map[string]*pendingSet),
		completed: make(map[string]struct{}),
		logger:    logger.With(log.String("component", "reassembler")),
		now:       time.Now,
	}
}

// Accept stores one chunk. It returns the flattened batch when this chunk
// fills the last empty slot, and (nil, nil) while the batch is incomplete.
// A chunk whose index is already filled returns ErrDuplicateChunk and leaves
// the buffered data untouched.
func (r *Reassembler) Accept(key string, seq protocol.ChunkSequence, changes []protocol.TableChange) (*Batch, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}

	if _, done := r.completed[key]; done {
		r.logger.Debug("Ignoring chunk of completed batch",
			log.String("batch", key),
			log.Int("chunk", seq.Chunk))
		return nil, fmt.Errorf("%w: batch %s already completed", ErrDuplicateChunk, key)
	}

	set, ok := r.pending[key]
	if !ok {
		r.generation++
		set = &pendingSet{
			generation: r.generation,
			table:      seq.Table,
			slots:      make([][]protocol.TableChange, seq.Total),
			filled:     make([]bool, seq.Total),
			startedAt:  r.now(),
		}
		key, gen := key, set.generation
		set.timer = time.AfterFunc(r.timeout, func() { r.onTimeout(key, gen) })
		r.pending[key] = set
	}

	if seq.Total != len(set.slots) {
		return nil, fmt.Errorf("%w: batch %s has %d chunks, got %d/%d", ErrTotalMismatch, key, len(set.slots), seq.Chunk, seq.Total)
	}

	idx := seq.Chunk - 1
	if set.filled[idx] {
		r.logger.Debug("Ignoring duplicate chunk",
			log.String("batch", key),
			log.Int("chunk", seq.Chunk),
			log.Int("total", seq.Total))
		return nil, fmt.Errorf("%w: batch %s chunk %d", ErrDuplicateChunk, key, seq.Chunk)
	}

	set.slots[idx] = changes
	set.filled[idx] = true
	set.received++
	set.totalSize += len(changes)

	if set.received < len(set.slots) {
		return nil, nil
	}

	set.timer.Stop()
	delete(r.pending, key)
	r.remember(key)

	flat := make([]protocol.TableChange, 0, set.totalSize)
	for _, slot := range set.slots {
		flat = append(flat, slot...)
	}
	if len(flat) != set.totalSize {
		return nil, fmt.Errorf("%w: batch %s flattened to %d, expected %d", ErrSizeMismatch, key, len(flat), set.totalSize)
	}

	return &Batch{
		Key:     key,
		Table:   set.table,
		Chunks:  len(set.slots),
		Changes: flat,
		Elapsed: r.now().Sub(set.startedAt),
	}, nil
}

func (r *Reassembler) remember(key string) {
	if len(r.completedRing) < completedMemory {
		r.completedRing = append(r.completedRing, key)
	} else {
		delete(r.completed, r.completedRing[r.ringPos])
		r.completedRing[r.ringPos] = key
		r.ringPos = (r.ringPos + 1) % completedMemory
	}
	r.completed[key] = struct{}{}
}

// Expire discards the batch if it is still pending under the given
// generation. Stale notifications (batch already completed or replaced)
// return false.
func (r *Reassembler) Expire(key string, generation uint64) (Expired, bool) {
	set, ok := r.pending[key]
	if !ok || set.generation != generation {
		return Expired{}, false
	}
	set.timer.Stop()
	delete(r.pending, key)

	r.logger.Warn("Batch reassembly timed out",
		log.String("batch", key),
		log.String("table", set.table),
		log.Int("received", set.received),
		log.Int("total", len(set.slots)))

	return Expired{Key: key, Table: set.table, Received: set.received, Total: len(set.slots)}, true
}

// Pending reports whether a batch is buffered under key.
func (r *Reassembler) Pending(key string) bool {
	_, ok := r.pending[key]
	return ok
}

// Len returns the number of incomplete batches.
func (r *Reassembler) Len() int {
	return len(r.pending)
}

// Reset stops every timer and drops all partial batches.
func (r *Reassembler) Reset() {
	for key, set := range r.pending {
		set.timer.Stop()
		delete(r.pending, key)
	}
	r.completed = make(map[string]struct{})
	r.completedRing = r.completedRing[:0]
	r.ringPos = 0
}
