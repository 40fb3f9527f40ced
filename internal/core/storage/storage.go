// Package storage defines the local collaborators of the sync engine: the
// record store changes are applied to and the single-value state store that
// survives restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrNoRecordID = errors.New("record has no id")
	ErrClosed     = errors.New("store closed")
)

// Record aliases the wire record so callers need not import protocol.
type Record = protocol.Record

// LocalStore holds the client's copy of the synced tables.
type LocalStore interface {
	Get(ctx context.Context, table, id string) (Record, error)
	Put(ctx context.Context, table string, record Record) error
	Delete(ctx context.Context, table, id string) error
	// List returns the live rows of table ordered by id.
	List(ctx context.Context, table string) ([]Record, error)
	// ApplyChange applies a replicated change. Re-applying a change that was
	// already applied leaves the store unchanged and reports applied=false.
	ApplyChange(ctx context.Context, change protocol.TableChange) (applied bool, err error)
}

// StateStore persists the values a client needs to resume.
type StateStore interface {
	// LoadLSN returns lsn.Zero for a client that never confirmed a position.
	LoadLSN(ctx context.Context) (lsn.LSN, error)
	SaveLSN(ctx context.Context, pos lsn.LSN) error
	// LoadClientID returns "" when no id was saved yet.
	LoadClientID(ctx context.Context) (string, error)
	SaveClientID(ctx context.Context, id string) error
}

// ApplyAll applies changes in order and stops at the first error. It returns
// how many changes modified the store.
func ApplyAll(ctx context.Context, store LocalStore, changes []protocol.TableChange) (int, error) {
	applied := 0
	for i, change := range changes {
		ok, err := store.ApplyChange(ctx, change)
		if err != nil {
			return applied, fmt.Errorf("apply change %d (%s): %w", i, change.ChangeID(), err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// Row is the stored form of a record. Deleted rows are kept as tombstones so
// that a replayed older change cannot resurrect them.
type Row struct {
	Data     Record
	Checksum uint64
	LSN      lsn.LSN
	Deleted  bool
}

// Checksum hashes the canonical JSON form of a record. encoding/json sorts
// map keys, so equal records hash equally regardless of insertion order.
func Checksum(r Record) (uint64, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	return xxhash.Sum64(raw), nil
}

// Outcome is the result of resolving a change against the current row.
type Outcome struct {
	Row Row
	// Applied reports whether the visible row changed.
	Applied bool
	// Persist reports whether Row must be written back.
	Persist bool
}

// Resolve computes what applying change to current (nil when the row does
// not exist) produces. Changes carrying a position at or below the row's
// last applied position are ignored.
func Resolve(current *Row, change protocol.TableChange) (Outcome, error) {
	if change.Data.ID() == "" {
		return Outcome{}, ErrNoRecordID
	}

	var pos lsn.LSN
	if current != nil {
		pos = current.LSN
	}
	if change.LSN != nil {
		if current != nil && !current.LSN.Less(*change.LSN) {
			return Outcome{Row: *current}, nil
		}
		pos = *change.LSN
	}

	live := current != nil && !current.Deleted

	switch change.Operation {
	case protocol.OpDelete:
		if !live {
			if change.LSN == nil {
				return Outcome{}, nil
			}
			// Remember the position so an older insert replay stays dead.
			return Outcome{Row: Row{LSN: pos, Deleted: true}, Persist: true}, nil
		}
		return Outcome{Row: Row{LSN: pos, Deleted: true}, Applied: true, Persist: true}, nil

	case protocol.OpInsert, protocol.OpUpdate:
		data := change.Data.Clone()
		if change.Operation == protocol.OpUpdate && live {
			data = current.Data.Clone()
			for k, v := range change.Data {
				data[k] = v
			}
		}
		sum, err := Checksum(data)
		if err != nil {
			return Outcome{}, err
		}
		next := Row{Data: data, Checksum: sum, LSN: pos}
		if live && current.Checksum == sum {
			return Outcome{Row: next, Persist: current.LSN != pos}, nil
		}
		return Outcome{Row: next, Applied: true, Persist: true}, nil

	default:
		return Outcome{}, fmt.Errorf("%w: operation %q", protocol.ErrInvalidField, change.Operation)
	}
}
