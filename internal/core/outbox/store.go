package outbox

import (
	"context"
	"sort"
	"sync"
)

// Store persists outbox entries. All returns entries in Seq order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Update(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, id string) error
	All(ctx context.Context) ([]Entry, error)
}

// MemoryStore keeps entries in process memory. It is durable only for the
// lifetime of the process and is meant for tests and ephemeral clients.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return ErrInvalidEntry
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; !exists {
		return ErrNotFound
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func cloneEntry(e Entry) Entry {
	e.Data = e.Data.Clone()
	return e
}
