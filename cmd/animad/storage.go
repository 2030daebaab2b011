package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/db"
	"github.com/animadev/anima/internal/db/dialect"
	"github.com/animadev/anima/internal/store/sqlite"
)

// provideStore opens the configured database and builds the repository.
// SQLite gets a single writer connection plus a read-only pool (WAL mode);
// Postgres shares one pgx-backed pool for both roles.
func provideStore(cfg *config.Config, log *logger.Logger) (*sqlite.Repository, func() error, error) {
	switch cfg.Database.Driver {
	case dialect.DriverSQLite:
		writerConn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite writer: %w", err)
		}
		readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			writerConn.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}

		writer := sqlx.NewDb(writerConn, dialect.DriverSQLite)
		reader := sqlx.NewDb(readerConn, dialect.DriverSQLite)
		pool := db.NewPool(writer, reader)

		repo, err := sqlite.NewWithDB(writer, reader)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("SQLite database initialized", zap.String("db_path", cfg.Database.Path))
		return repo, pool.Close, nil

	case dialect.DriverPostgres:
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}

		dbx := sqlx.NewDb(conn, dialect.DriverPostgres)
		pool := db.NewPool(dbx, dbx)

		repo, err := sqlite.NewWithDB(dbx, dbx)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("PostgreSQL database initialized",
			zap.String("host", cfg.Database.Host),
			zap.String("db_name", cfg.Database.DBName))
		return repo, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
