package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

// Memory is an in-process LocalStore and StateStore.
type Memory struct {
	mu       sync.RWMutex
	tables   map[string]map[string]*Row
	position lsn.LSN
	clientID string
}

var (
	_ LocalStore = (*Memory)(nil)
	_ StateStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]*Row)}
}

func (m *Memory) row(table, id string) *Row {
	if rows, ok := m.tables[table]; ok {
		return rows[id]
	}
	return nil
}

func (m *Memory) setRow(table, id string, r Row) {
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]*Row)
		m.tables[table] = rows
	}
	rows[id] = &r
}

func (m *Memory) Get(_ context.Context, table, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.row(table, id)
	if r == nil || r.Deleted {
		return nil, ErrNotFound
	}
	return r.Data.Clone(), nil
}

func (m *Memory) Put(_ context.Context, table string, record Record) error {
	id := record.ID()
	if id == "" {
		return ErrNoRecordID
	}
	data := record.Clone()
	sum, err := Checksum(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := Row{Data: data, Checksum: sum}
	if cur := m.row(table, id); cur != nil {
		next.LSN = cur.LSN
	}
	m.setRow(table, id, next)
	return nil
}

func (m *Memory) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.row(table, id)
	if cur == nil || cur.Deleted {
		return ErrNotFound
	}
	m.setRow(table, id, Row{LSN: cur.LSN, Deleted: true})
	return nil
}

func (m *Memory) List(_ context.Context, table string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tables[table]
	ids := make([]string, 0, len(rows))
	for id, r := range rows {
		if !r.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Record, len(ids))
	for i, id := range ids {
		out[i] = rows[id].Data.Clone()
	}
	return out, nil
}

func (m *Memory) ApplyChange(_ context.Context, change protocol.TableChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := change.Data.ID()
	res, err := Resolve(m.row(change.Table, id), change)
	if err != nil {
		return false, err
	}
	if res.Persist {
		m.setRow(change.Table, id, res.Row)
	}
	return res.Applied, nil
}

func (m *Memory) LoadLSN(context.Context) (lsn.LSN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position, nil
}

func (m *Memory) SaveLSN(_ context.Context, pos lsn.LSN) error {
	m.mu.Lock()
	m.position = pos
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadClientID(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID, nil
}

func (m *Memory) SaveClientID(_ context.Context, id string) error {
	m.mu.Lock()
	m.clientID = id
	m.mu.Unlock()
	return nil
}
