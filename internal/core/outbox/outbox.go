package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

const (
	DefaultAckTimeout  = 15 * time.Second
	DefaultMaxAttempts = 5
)

// Options tunes the retry policy.
type Options struct {
	// AckTimeout is how long a sent entry may wait for its applied
	// confirmation before it is re-sent.
	AckTimeout time.Duration
	// MaxAttempts caps delivery attempts; an entry that times out on its last
	// attempt is moved to failed.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Outbox is the durable FIFO of local mutations. It is safe for concurrent
// use: the write path enqueues from caller goroutines while the replication
// controller drains it from the session goroutine.
type Outbox struct {
	mu      sync.Mutex
	store   Store
	opts    Options
	logger  log.Log
	now     func() time.Time
	entries []Entry
	index   map[string]int
	nextSeq int64
}

// Open loads the persisted entries from store.
func Open(ctx context.Context, store Store, opts Options, logger log.Log) (*Outbox, error) {
	entries, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	o := &Outbox{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With(log.String("component", "outbox")),
		now:    time.Now,
	}
	o.entries = entries
	o.reindex()
	for _, e := range entries {
		if e.Seq >= o.nextSeq {
			o.nextSeq = e.Seq + 1
		}
	}
	if len(entries) > 0 {
		o.logger.Info("Outbox restored", log.Int("entries", len(entries)))
	}
	return o, nil
}

func (o *Outbox) reindex() {
	o.index = make(map[string]int, len(o.entries))
	for i, e := range o.entries {
		o.index[e.ID] = i
	}
}

// Options returns the effective retry policy.
func (o *Outbox) Options() Options {
	return o.opts
}

// Enqueue appends a local mutation. It never depends on connectivity.
func (o *Outbox) Enqueue(ctx context.Context, table string, op protocol.Operation, data protocol.Record, base lsn.LSN) (Entry, error) {
	if table == "" || !op.Valid() {
		return Entry{}, fmt.Errorf("%w: table %q operation %q", ErrInvalidEntry, table, op)
	}
	if data.ID() == "" {
		return Entry{}, fmt.Errorf("%w: record without id", ErrInvalidEntry)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	entry := Entry{
		ID:         uuid.NewString(),
		Seq:        o.nextSeq,
		Table:      table,
		Operation:  op,
		Data:       data.Clone(),
		LSN:        base,
		EnqueuedAt: o.now().UTC(),
	}
	if err := o.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append outbox entry: %w", err)
	}
	o.nextSeq++
	o.entries = append(o.entries, entry)
	o.index[entry.ID] = len(o.entries) - 1

	o.logger.Debug("Local change enqueued",
		log.String("change_id", entry.ID),
		log.String("table", table),
		log.String("operation", string(op)))
	return cloneEntry(entry), nil
}

// Pending returns entries awaiting the server's applied confirmation, in
// enqueue order. Failed entries are excluded.
func (o *Outbox) Pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filter(func(e Entry) bool { return !e.AppliedByServer && !e.Failed })
}

// Failed returns entries the server rejected or that ran out of attempts.
func (o *Outbox) Failed() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filter(func(e Entry) bool { return e.Failed })
}

// Get returns the entry with the given id.
func (o *Outbox) Get(id string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, ok := o.index[id]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(o.entries[i]), true
}

// Len counts pending entries.
func (o *Outbox) Len() int {
	return len(o.Pending())
}

func (o *Outbox) filter(keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// MarkSent records a delivery attempt for ids under messageID.
func (o *Outbox) MarkSent(ctx context.Context, ids []string, messageID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now().UTC()
	return o.update(ctx, ids, func(e *Entry) bool {
		if e.Failed || e.AppliedByServer {
			return false
		}
		e.Attempts++
		e.AcknowledgedByServer = false
		e.LastSentAt = now
		e.LastMessageID = messageID
		return true
	})
}

// MarkAcknowledged records the server's received ack. Unknown ids are ignored.
func (o *Outbox) MarkAcknowledged(ctx context.Context, ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.update(ctx, ids, func(e *Entry) bool {
		if e.AcknowledgedByServer {
			return false
		}
		e.AcknowledgedByServer = true
		return true
	})
}

// MarkApplied removes entries the server applied. Unknown ids are ignored.
func (o *Outbox) MarkApplied(ctx context.Context, ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for _, id := range ids {
		i, ok := o.index[id]
		if !ok {
			continue
		}
		if err := o.store.Remove(ctx, id); err != nil {
			o.reindex()
			return fmt.Errorf("remove outbox entry %s: %w", id, err)
		}
		o.entries[i].AppliedByServer = true
		o.entries = append(o.entries[:i], o.entries[i+1:]...)
		o.reindex()
		removed++
	}
	if removed > 0 {
		o.logger.Debug("Outbox entries applied by server", log.Int("count", removed))
	}
	return nil
}

// MarkFailed moves entries to failed with reason. They are no longer
// pending and are never retried automatically.
func (o *Outbox) MarkFailed(ctx context.Context, ids []string, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.update(ctx, ids, func(e *Entry) bool {
		if e.Failed {
			return false
		}
		e.Failed = true
		e.FailureReason = reason
		o.logger.Warn("Outbox entry failed",
			log.String("change_id", e.ID),
			log.String("table", e.Table),
			log.String("operation", string(e.Operation)),
			log.String("reason", reason))
		return true
	})
}

func (o *Outbox) update(ctx context.Context, ids []string, mutate func(*Entry) bool) error {
	for _, id := range ids {
		i, ok := o.index[id]
		if !ok {
			continue
		}
		next := o.entries[i]
		if !mutate(&next) {
			continue
		}
		if err := o.store.Update(ctx, next); err != nil {
			return fmt.Errorf("update outbox entry %s: %w", id, err)
		}
		o.entries[i] = next
	}
	return nil
}

// Due splits sent-but-unapplied entries whose ack window elapsed at now into
// entries to re-send and entries that have used up their attempts. The
// exhausted entries are moved to failed with ReasonAckTimeout before Due
// returns. Entries never sent are returned for sending as well.
func (o *Outbox) Due(ctx context.Context, now time.Time) (resend []Entry, exhausted []Failure, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var expiredIDs []string
	for _, e := range o.entries {
		if e.Failed || e.AppliedByServer {
			continue
		}
		if !e.Sent() {
			resend = append(resend, cloneEntry(e))
			continue
		}
		if now.Sub(e.LastSentAt) < o.opts.AckTimeout {
			continue
		}
		if e.Attempts >= o.opts.MaxAttempts {
			expiredIDs = append(expiredIDs, e.ID)
			continue
		}
		resend = append(resend, cloneEntry(e))
	}

	for _, id := range expiredIDs {
		i := o.index[id]
		next := o.entries[i]
		next.Failed = true
		next.FailureReason = ReasonAckTimeout
		if err := o.store.Update(ctx, next); err != nil {
			return nil, nil, fmt.Errorf("update outbox entry %s: %w", id, err)
		}
		o.entries[i] = next
		exhausted = append(exhausted, next.failure())
		o.logger.Warn("Outbox entry exhausted its attempts",
			log.String("change_id", id),
			log.Int("attempts", next.Attempts))
	}
	return resend, exhausted, nil
}

// Discard drops a failed entry for good.
func (o *Outbox) Discard(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, ok := o.index[id]
	if !ok {
		return ErrNotFound
	}
	if !o.entries[i].Failed {
		return fmt.Errorf("%w: entry %s is not failed", ErrInvalidEntry, id)
	}
	if err := o.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove outbox entry %s: %w", id, err)
	}
	o.entries = append(o.entries[:i], o.entries[i+1:]...)
	o.reindex()
	return nil
}

// Retry returns a failed entry to pending with a fresh attempt budget. The
// entry keeps its place in enqueue order.
func (o *Outbox) Retry(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, ok := o.index[id]
	if !ok {
		return ErrNotFound
	}
	next := o.entries[i]
	if !next.Failed {
		return fmt.Errorf("%w: entry %s is not failed", ErrInvalidEntry, id)
	}
	next.Failed = false
	next.FailureReason = ""
	next.Attempts = 0
	next.AcknowledgedByServer = false
	next.LastSentAt = time.Time{}
	next.LastMessageID = ""
	if err := o.store.Update(ctx, next); err != nil {
		return fmt.Errorf("update outbox entry %s: %w", id, err)
	}
	o.entries[i] = next
	return nil
}
