// Package storage contains the SQLite connection pool backing the
// durable snapshot store. It wraps zombiezen.com/go/sqlite with WAL
// journaling, NORMAL synchronous (transactions survive process
// crashes), and a busy timeout so snapshot writers for distinct
// components never see SQLITE_BUSY under normal contention.
package storage

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds pool parameters. Path is required.
type Config struct {
	// Path is the database file. The parent directory must exist; the
	// file is created on first open.
	Path string

	// PoolSize defaults to max(NumCPU, 4). SQLite serializes writes,
	// so extra connections only help concurrent readers.
	PoolSize int

	// Schema, when non-empty, is executed once per connection after
	// the pragmas (CREATE TABLE IF NOT EXISTS style scripts).
	Schema string

	Logger zerolog.Logger
}

// Pool is a fixed-size SQLite connection pool. The pool is safe for
// concurrent use; individual connections are not. Each goroutine must
// Take its own connection and Put it back.
type Pool struct {
	inner *sqlitex.Pool
	log   zerolog.Logger
	path  string
}

// Open creates the pool. Connections are initialized lazily on first
// Take.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}
	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepare(conn, cfg.Schema)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}
	log := cfg.Logger.With().Str("subsystem", "storage").Logger()
	log.Info().Str("path", cfg.Path).Int("pool_size", size).Msg("sqlite pool opened")
	return &Pool{inner: inner, log: log, path: cfg.Path}, nil
}

// Take borrows a connection; it blocks until one is free or ctx is
// cancelled. Callers must Put it back, typically via defer.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) { p.inner.Put(conn) }

// Close blocks until all borrowed connections are returned, then
// closes them.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", p.path, err)
	}
	p.log.Info().Str("path", p.path).Msg("sqlite pool closed")
	return nil
}

func prepare(conn *sqlite.Conn, schema string) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if schema != "" {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("storage: schema: %w", err)
		}
	}
	return nil
}
