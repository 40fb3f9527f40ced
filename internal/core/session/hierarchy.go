package session

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidHierarchy = errors.New("invalid table hierarchy")

// Hierarchy maps each synced table to its dependency level. Root tables sit
// at level 0; a table only references tables at lower levels.
type Hierarchy map[string]int

// DefaultHierarchy is the canonical ordering of the synced tables. Comments
// reference tasks and users, so they come last.
func DefaultHierarchy() Hierarchy {
	return Hierarchy{
		"users":    0,
		"projects": 1,
		"tasks":    2,
		"comments": 3,
	}
}

func (h Hierarchy) Validate() error {
	if len(h) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidHierarchy)
	}
	for table, level := range h {
		if table == "" {
			return fmt.Errorf("%w: empty table name", ErrInvalidHierarchy)
		}
		if level < 0 {
			return fmt.Errorf("%w: %s has negative level %d", ErrInvalidHierarchy, table, level)
		}
	}
	return nil
}

// Level returns the level of table.
func (h Hierarchy) Level(table string) (int, bool) {
	level, ok := h[table]
	return level, ok
}

// Tables returns the tables ordered by level, then by name.
func (h Hierarchy) Tables() []string {
	out := make([]string, 0, len(h))
	for t := range h {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if h[out[i]] != h[out[j]] {
			return h[out[i]] < h[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
