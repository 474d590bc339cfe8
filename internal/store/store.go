// Package store persists batches and the outcome of every processed record
// in a SQLite database.
//
// The schema is
//
//	BATCH  (timestamp INTEGER PRIMARY KEY, arguments TEXT NOT NULL)
//	RESULT (batch_id INTEGER NOT NULL, input TEXT NOT NULL,
//	        stdout TEXT, stderr TEXT, exit_code INTEGER, error TEXT)
//
// Exactly one of the outcome shapes holds for every RESULT row: either stdout
// and stderr are set (exit_code is NULL only for signaled processes) and error
// is NULL, or error is set and all others are NULL.
//
// Rows written by a monitor session are not ordered by input: several workers
// insert concurrently. Readers get rows in storage order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrBatchExists = errors.New("batch already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS BATCH (
	[timestamp] INTEGER PRIMARY KEY NOT NULL,
	[arguments] TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS RESULT (
	[batch_id] INTEGER NOT NULL,
	[input] TEXT NOT NULL,
	[stdout] TEXT,
	[stderr] TEXT,
	[exit_code] INTEGER,
	[error] TEXT
);
CREATE INDEX IF NOT EXISTS result_batch_id ON RESULT (batch_id);
`

// Store is safe for concurrent use. It holds a single connection, so all
// statements and transactions are serialized.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and ensures the schema exists.
// Path ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	// the in-memory database lives as long as its only connection
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

func dsn(path string) string {
	pragmas := []string{"_pragma=busy_timeout(5000)"}
	if path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

func (s *Store) Path() string {
	return s.path
}

// DB exposes the handle for read only collaborators in the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rollback(ctx context.Context, tx *sql.Tx, id int64) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "calling tx.Rollback() failed", slog.Int64("batch_id", id), slog.Any("error", err))
	}
}
