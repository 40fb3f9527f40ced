package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
)

// Entry is one committed change and the client that pushed it. Seeded rows
// have no origin.
type Entry struct {
	Change protocol.TableChange
	Origin string
}

// ChangeLog is the server's authoritative, in-memory history. Every accepted
// change gets the next position; rows are kept per table for snapshots and
// constraint checks.
type ChangeLog struct {
	mu        sync.RWMutex
	hierarchy session.Hierarchy
	unique    map[string][]string

	head    lsn.LSN
	entries []Entry
	rows    map[string]map[string]*storage.Row
	// committed remembers accepted change ids so that a resent change is
	// answered with its original position instead of a conflict.
	committed map[string]lsn.LSN
	changed   chan struct{}
}

// NewChangeLog builds an empty log. unique lists, per table, the columns
// whose values may not repeat across live rows.
func NewChangeLog(hierarchy session.Hierarchy, unique map[string][]string) *ChangeLog {
	if hierarchy == nil {
		hierarchy = session.DefaultHierarchy()
	}
	rows := make(map[string]map[string]*storage.Row, len(hierarchy))
	for table := range hierarchy {
		rows[table] = make(map[string]*storage.Row)
	}
	return &ChangeLog{
		hierarchy: hierarchy,
		unique:    unique,
		rows:      rows,
		committed: make(map[string]lsn.LSN),
		changed:   make(chan struct{}),
	}
}

// Head returns the position of the last committed change.
func (l *ChangeLog) Head() lsn.LSN {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Changed returns a channel closed at the next commit. Callers fetch a new
// one after every wake-up.
func (l *ChangeLog) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

// Append commits changes in order on behalf of origin and reports the
// outcome of each. A rejected change does not stop the ones after it.
func (l *ChangeLog) Append(origin string, changes []protocol.TableChange) []protocol.AppliedChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]protocol.AppliedChange, len(changes))
	committed := false
	for i, change := range changes {
		res := protocol.AppliedChange{ID: change.ChangeID(), Table: change.Table, Operation: change.Operation}
		if pos, ok := l.committed[res.ID]; ok {
			p := pos
			res.LSN = &p
			out[i] = res
			continue
		}
		pos, err := l.commit(origin, change)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.LSN = &pos
			committed = true
		}
		out[i] = res
	}
	if committed {
		l.wake()
	}
	return out
}

// Seed commits rows as inserts without an origin.
func (l *ChangeLog) Seed(table string, records []protocol.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range records {
		change := protocol.TableChange{
			Table:     table,
			Operation: protocol.OpInsert,
			Data:      rec,
			Timestamp: time.Now().UnixMilli(),
		}
		if _, err := l.commit("", change); err != nil {
			return fmt.Errorf("seed %s/%s: %w", table, rec.ID(), err)
		}
	}
	l.wake()
	return nil
}

func (l *ChangeLog) commit(origin string, change protocol.TableChange) (lsn.LSN, error) {
	if err := change.Validate(); err != nil {
		return lsn.Zero, err
	}
	rows, ok := l.rows[change.Table]
	if !ok {
		return lsn.Zero, fmt.Errorf("%w: %s", ErrUnknownTable, change.Table)
	}

	id := change.Data.ID()
	current := rows[id]
	live := current != nil && !current.Deleted
	switch change.Operation {
	case protocol.OpInsert:
		if live {
			return lsn.Zero, fmt.Errorf("%w: %s/%s", ErrDuplicateRow, change.Table, id)
		}
	case protocol.OpUpdate, protocol.OpDelete:
		if !live {
			return lsn.Zero, fmt.Errorf("%w: %s/%s", ErrRowNotFound, change.Table, id)
		}
	}

	pos := l.head.Next()
	change.LSN = &pos
	if change.Timestamp == 0 {
		change.Timestamp = time.Now().UnixMilli()
	}
	outcome, err := storage.Resolve(current, change)
	if err != nil {
		return lsn.Zero, err
	}
	if !outcome.Row.Deleted {
		if err := l.checkUnique(change.Table, id, outcome.Row.Data); err != nil {
			return lsn.Zero, err
		}
	}

	row := outcome.Row
	rows[id] = &row
	l.head = pos
	if change.ID == "" {
		change.ID = change.ChangeID()
	}
	// Updates travel with the merged row so that every replica converges
	// even when it missed the insert.
	if !row.Deleted {
		change.Data = row.Data.Clone()
	}
	l.entries = append(l.entries, Entry{Change: change, Origin: origin})
	l.committed[change.ID] = pos
	return pos, nil
}

func (l *ChangeLog) checkUnique(table, id string, data protocol.Record) error {
	for _, column := range l.unique[table] {
		value, ok := data[column]
		if !ok || value == nil {
			continue
		}
		want := fmt.Sprint(value)
		for otherID, other := range l.rows[table] {
			if otherID == id || other.Deleted {
				continue
			}
			if v, ok := other.Data[column]; ok && fmt.Sprint(v) == want {
				return fmt.Errorf("%w: %s.%s %q already used by %s", ErrUniqueViolation, table, column, want, otherID)
			}
		}
	}
	return nil
}

// wake must be called with the write lock held.
func (l *ChangeLog) wake() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Since returns the entries committed after pos, in position order.
func (l *ChangeLog) Since(pos lsn.LSN) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.entries), func(i int) bool {
		return pos.Less(*l.entries[i].Change.LSN)
	})
	out := make([]Entry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// TableSnapshot is the live content of one table as insert changes.
type TableSnapshot struct {
	Table   string
	Changes []protocol.TableChange
}

// Snapshot returns every table in hierarchy order, together with the
// position the snapshot reflects. Rows are ordered by id.
func (l *ChangeLog) Snapshot() ([]TableSnapshot, lsn.LSN) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tables := l.hierarchy.Tables()
	out := make([]TableSnapshot, 0, len(tables))
	for _, table := range tables {
		rows := l.rows[table]
		ids := make([]string, 0, len(rows))
		for id, row := range rows {
			if !row.Deleted {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		changes := make([]protocol.TableChange, 0, len(ids))
		for _, id := range ids {
			row := rows[id]
			pos := row.LSN
			changes = append(changes, protocol.TableChange{
				ID:        fmt.Sprintf("%s:%s@%s", table, id, pos),
				Table:     table,
				Operation: protocol.OpInsert,
				Data:      row.Data.Clone(),
				LSN:       &pos,
				Timestamp: time.Now().UnixMilli(),
			})
		}
		out = append(out, TableSnapshot{Table: table, Changes: changes})
	}
	return out, l.head
}

// Count returns the number of live rows in table.
func (l *ChangeLog) Count(table string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, row := range l.rows[table] {
		if !row.Deleted {
			n++
		}
	}
	return n
}
