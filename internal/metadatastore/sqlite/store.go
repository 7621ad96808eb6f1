// Package sqlite implements metadatastore.Store on top of database/sql
// with the modernc.org/sqlite pure-Go driver, so the object manager's
// metadata lives in a single-file, dependency-free database with real
// transactional row locking via SQLite's own write lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/splitgraph/sgr-objects/internal/metadatastore"
)

// Store implements metadatastore.Store.
type Store struct {
	db     *sql.DB
	log    *slog.Logger
	dbPath string
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting query helpers
// run either inside or outside an explicit transaction (mirrors the
// teacher's execer interface in internal/storage/sqlite/blocked_cache.go).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// tx wraps *sql.Tx to satisfy metadatastore.Tx and to let query helpers
// recover the underlying execer.
type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) Commit() error   { return t.sqlTx.Commit() }
func (t *tx) Rollback() error { return t.sqlTx.Rollback() }

// Open opens (creating if necessary) a SQLite-backed metadata store at
// dbPath and ensures its schema is current.
func Open(ctx context.Context, dbPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	// _txlock=immediate makes every *sql.Tx take SQLite's write lock up
	// front, so a transaction's reads and writes are not interleaved with
	// another writer's.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	// SQLite allows only one writer; a single connection avoids
	// SQLITE_BUSY storms under our own internal concurrency and lets
	// _txlock=immediate serialize writers deterministically.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db, log: log, dbPath: dbPath}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx starts a transaction that, thanks to _txlock=immediate, holds
// SQLite's write lock for its whole lifetime — this is what backs
// row-level conflict resolution on primary keys, since SQLite itself has
// no per-row locking.
func (s *Store) BeginTx(ctx context.Context) (metadatastore.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBError("begin transaction", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

// exec resolves the execer to use for a query: the transaction's
// underlying *sql.Tx if one was supplied, otherwise the store's *sql.DB.
func (s *Store) exec(t metadatastore.Tx) execer {
	if t == nil {
		return s.db
	}
	wrapped, ok := t.(*tx)
	if !ok {
		// Defensive: a caller passed a Tx from a different Store
		// implementation. Fall back to the bare connection rather than
		// panic; every write will simply run outside any transaction.
		return s.db
	}
	return wrapped.sqlTx
}
