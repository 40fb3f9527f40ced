package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeusync/tasksync/internal/core/outbox"
)

func (db *DB) Append(ctx context.Context, entry outbox.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO outbox (id, seq, entry) VALUES (?, ?, ?)`,
		entry.ID, entry.Seq, string(raw)); err != nil {
		return fmt.Errorf("append outbox entry %s: %w", entry.ID, err)
	}
	return nil
}

func (db *DB) Update(ctx context.Context, entry outbox.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE outbox SET entry = ? WHERE id = ?`, string(raw), entry.ID)
	if err != nil {
		return fmt.Errorf("update outbox entry %s: %w", entry.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func (db *DB) Remove(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove outbox entry %s: %w", id, err)
	}
	return nil
}

func (db *DB) All(ctx context.Context) ([]outbox.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT entry FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		var e outbox.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
