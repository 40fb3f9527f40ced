package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zeusync/tasksync/internal/core/lsn"
)

func (db *DB) getState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state %s: %w", key, err)
	}
	return value, nil
}

func (db *DB) setState(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

func (db *DB) LoadLSN(ctx context.Context) (lsn.LSN, error) {
	raw, err := db.getState(ctx, keyLSN)
	if err != nil || raw == "" {
		return lsn.Zero, err
	}
	return lsn.Parse(raw)
}

func (db *DB) SaveLSN(ctx context.Context, pos lsn.LSN) error {
	return db.setState(ctx, keyLSN, pos.String())
}

func (db *DB) LoadClientID(ctx context.Context) (string, error) {
	return db.getState(ctx, keyClientID)
}

func (db *DB) SaveClientID(ctx context.Context, id string) error {
	return db.setState(ctx, keyClientID, id)
}
