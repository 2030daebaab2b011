package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/animadev/anima/internal/db/dialect"
)

// The daemon's write load is bursty: conversation turns and event-log appends
// arrive in clusters while an agent streams, then go quiet. A single writer
// connection in WAL mode absorbs that without SQLITE_BUSY, and a small
// read-only pool keeps the HTTP surface and websocket replay off the writer.
const (
	sqliteBusyTimeout = 5 * time.Second
	sqliteReaderConns = 4
)

// OpenSQLite opens the daemon database for writing. The pool is pinned to one
// connection so every INSERT and UPDATE serializes through it.
func OpenSQLite(path string) (*sql.DB, error) {
	path = absSQLitePath(path)
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	conn, err := sql.Open(dialect.DriverSQLite, sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens a read-only pool over the same file. WAL snapshots
// let these connections serve session history and event replay while the
// writer is mid-transaction.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	conn, err := sql.Open(dialect.DriverSQLite, sqliteDSN(absSQLitePath(path), true))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// sqliteDSN builds the connection string for mattn/go-sqlite3. The writer
// gets WAL journaling and NORMAL sync; those are database-level settings, so
// readers only need mode=ro plus the shared busy timeout and FK enforcement.
func sqliteDSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.Itoa(int(sqliteBusyTimeout/time.Millisecond)))
	q.Set("_cache", "shared")
	if readOnly {
		q.Set("_mode", "ro")
	} else {
		q.Set("_mode", "rwc")
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + path + "?" + q.Encode()
}

// touchSQLiteFile creates the database file and any missing parent
// directories so first launch works from a fresh config.
func touchSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
