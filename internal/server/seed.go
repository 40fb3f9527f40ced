package server

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/tasksync/internal/core/models"
	"github.com/zeusync/tasksync/internal/core/protocol"
)

// LoadSeed reads a YAML document mapping table names to lists of rows and
// commits them in hierarchy order.
//
//	users:
//	  - {id: u1, name: Ada, email: ada@example.com}
//	projects:
//	  - {id: p1, name: Launch, owner_id: u1}
func (l *ChangeLog) LoadSeed(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return l.DecodeSeed(f)
}

// DecodeSeed is LoadSeed for an already opened document.
func (l *ChangeLog) DecodeSeed(r io.Reader) error {
	var doc map[string][]map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return fmt.Errorf("decode seed: %w", err)
	}

	for table := range doc {
		if _, ok := l.hierarchy.Level(table); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTable, table)
		}
	}
	for _, table := range l.hierarchy.Tables() {
		rows, ok := doc[table]
		if !ok {
			continue
		}
		records := make([]protocol.Record, 0, len(rows))
		for i, row := range rows {
			rec, err := normalize(table, protocol.Record(row))
			if err != nil {
				return fmt.Errorf("seed %s[%d]: %w", table, i, err)
			}
			records = append(records, rec)
		}
		if err := l.Seed(table, records); err != nil {
			return err
		}
	}
	return nil
}

// normalize round-trips rows of the known tables through their typed model,
// which validates them and fixes column types. Other tables pass through.
func normalize(table string, rec protocol.Record) (protocol.Record, error) {
	e, err := models.FromRecord(table, rec)
	switch {
	case errors.Is(err, models.ErrUnknownTable):
		if rec.ID() == "" {
			return nil, fmt.Errorf("%w: missing id", models.ErrInvalidEntity)
		}
		return rec, nil
	case err != nil:
		return nil, err
	}
	return models.ToRecord(e)
}
