// Package db opens and pools the daemon's database connections. The
// repository layer is driver-agnostic; everything driver-specific about how
// connections are established lives here.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write connection with the read pool. On SQLite the two are
// genuinely different handles (one pinned writer, several read-only
// connections over WAL snapshots); on Postgres both fields hold the same
// *sqlx.DB because pgx multiplexes internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps an already-opened writer and reader.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECT traffic: session listings, history
// pagination, event replay.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close shuts down both handles, tolerating the Postgres case where they are
// one and the same.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
