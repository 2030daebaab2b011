package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/animadev/anima/internal/db/dialect"
)

// Postgres pool defaults for when the config leaves them unset. The daemon's
// connection count is dominated by concurrent swarm agents persisting turns,
// so the ceiling stays modest.
const (
	pgDefaultMaxConns = 25
	pgDefaultMinConns = 5
)

// OpenPostgres connects to PostgreSQL through the pgx stdlib adapter and
// verifies the connection with a ping before handing it back.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open(dialect.DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	if minConns <= 0 {
		minConns = pgDefaultMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
