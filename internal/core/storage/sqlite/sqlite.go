// Package sqlite keeps the client's records, outbox and resume state in a
// single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl      TEXT NOT NULL,
	id       TEXT NOT NULL,
	data     TEXT NOT NULL,
	checksum INTEGER NOT NULL,
	lsn      TEXT NOT NULL,
	deleted  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tbl, id)
);
CREATE TABLE IF NOT EXISTS outbox (
	id    TEXT PRIMARY KEY,
	seq   INTEGER NOT NULL,
	entry TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_seq ON outbox(seq);
CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	keyLSN      = "last_confirmed_lsn"
	keyClientID = "client_id"
)

// DB is a LocalStore, StateStore and outbox.Store over one SQLite database.
type DB struct {
	conn *sql.DB
	path string
}

var (
	_ storage.LocalStore = (*DB)(nil)
	_ storage.StateStore = (*DB)(nil)
	_ outbox.Store       = (*DB)(nil)
)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func loadRow(ctx context.Context, q querier, table, id string) (*storage.Row, error) {
	var (
		data    string
		sum     int64
		pos     string
		deleted bool
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, checksum, lsn, deleted FROM records WHERE tbl = ? AND id = ?`,
		table, id).Scan(&data, &sum, &pos, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", table, id, err)
	}

	row := &storage.Row{Checksum: uint64(sum), Deleted: deleted}
	if row.LSN, err = lsn.Parse(pos); err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", table, id, err)
	}
	if !deleted {
		if err := json.Unmarshal([]byte(data), &row.Data); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, id, err)
		}
	}
	return row, nil
}

func saveRow(ctx context.Context, q querier, table, id string, row storage.Row) error {
	data := []byte("null")
	if !row.Deleted {
		var err error
		if data, err = json.Marshal(row.Data); err != nil {
			return fmt.Errorf("encode %s/%s: %w", table, id, err)
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (tbl, id, data, checksum, lsn, deleted) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET
			data = excluded.data,
			checksum = excluded.checksum,
			lsn = excluded.lsn,
			deleted = excluded.deleted`,
		table, id, string(data), int64(row.Checksum), row.LSN.String(), row.Deleted)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", table, id, err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, table, id string) (storage.Record, error) {
	row, err := loadRow(ctx, db.conn, table, id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Deleted {
		return nil, storage.ErrNotFound
	}
	return row.Data, nil
}

func (db *DB) Put(ctx context.Context, table string, record storage.Record) error {
	id := record.ID()
	if id == "" {
		return storage.ErrNoRecordID
	}
	sum, err := storage.Checksum(record)
	if err != nil {
		return err
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadRow(ctx, tx, table, id)
		if err != nil {
			return err
		}
		next := storage.Row{Data: record, Checksum: sum}
		if cur != nil {
			next.LSN = cur.LSN
		}
		return saveRow(ctx, tx, table, id, next)
	})
}

func (db *DB) Delete(ctx context.Context, table, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadRow(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.Deleted {
			return storage.ErrNotFound
		}
		return saveRow(ctx, tx, table, id, storage.Row{LSN: cur.LSN, Deleted: true})
	})
}

func (db *DB) List(ctx context.Context, table string) ([]storage.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT data FROM records WHERE tbl = ? AND deleted = 0 ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var rec storage.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *DB) ApplyChange(ctx context.Context, change protocol.TableChange) (bool, error) {
	var applied bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		id := change.Data.ID()
		cur, err := loadRow(ctx, tx, change.Table, id)
		if err != nil {
			return err
		}
		res, err := storage.Resolve(cur, change)
		if err != nil {
			return err
		}
		if res.Persist {
			if err := saveRow(ctx, tx, change.Table, id, res.Row); err != nil {
				return err
			}
		}
		applied = res.Applied
		return nil
	})
	return applied, err
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
