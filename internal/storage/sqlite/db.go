// Package sqlite persists the gateway's state in a single SQLite file: the
// provider roster with its verified model catalogs, hashed client keys,
// runtime settings, the metrics snapshot, and the append-only request and
// sync logs. Writes go through a dedicated single-connection pool so the log
// batcher's transactions never contend with roster reads on the hot path.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultBusyTimeout = 5 * time.Second

// Options tunes the connection pools. The zero value is what production runs
// with on default config.
type Options struct {
	// BusyTimeout is how long a connection waits on a locked database before
	// erroring. Zero means 5s.
	BusyTimeout time.Duration
	// MaxReadConns caps the read pool. Zero sizes it from the CPU count.
	MaxReadConns int
}

// Store implements storage.Store on SQLite.
type Store struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens the gateway database with default options.
func New(dsn string) (*Store, error) {
	return Open(dsn, Options{})
}

// Open opens the gateway database, applies the embedded migrations, and
// returns a Store backed by separate read and write pools over the same file.
func Open(dsn string, opts Options) (*Store, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	readConns := opts.MaxReadConns
	if readConns <= 0 {
		readConns = max(4, runtime.NumCPU())
	}

	fullDSN := connString(dsn, busy)

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	// SQLite allows one writer at a time; a single connection turns write
	// contention into queueing instead of SQLITE_BUSY errors.
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(readConns)

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// connString builds the DSN with the pragmas every connection needs. WAL lets
// the read pool run while the log batcher commits.
func connString(dsn string, busy time.Duration) string {
	pragmas := strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
	}, "&")

	if dsn == ":memory:" {
		// Shared cache so the read and write pools see one database.
		return "file::memory:?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + dsn + "?" + pragmas
}

// runMigrations applies the embedded schema migrations with goose. fs.Sub
// strips the "migrations/" prefix so goose sees the files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies connectivity through the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
