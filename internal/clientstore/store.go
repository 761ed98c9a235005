// Package clientstore is the client-side embedded persistence layer: a
// pinned single-connection SQLite database mirroring every registry table
// plus a global sync_state row, guarded by an OS-level write lock so
// multiple processes touching the same store never corrupt it.
//
// Grounded on the teacher's internal/db package: openConn's single-conn/
// WAL/busy-timeout sequence (internal/db/db.go), the file-lock write
// serialization in internal/db/lock.go (and its lock_unix.go/lock_windows.go
// platform split), and internal/db/sync_state.go's
// GetSyncState/SetSyncState/UpdateSyncPushed/UpdateSyncPulled shape,
// generalized from one project's cursor to this module's single global
// cursor over every registry table.
package clientstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/relaycore/ledgersync/internal/workdir"

	_ "modernc.org/sqlite"
)

const dbFile = ".ledgersync/store.db"

// Store wraps the client's local SQLite connection.
type Store struct {
	conn    *sql.DB
	baseDir string
	reg     *registry.Registry
}

// ResolveBaseDir checks for a .td-root-style marker file redirecting a git
// worktree to its main checkout's store, reusing internal/workdir as-is.
func ResolveBaseDir(baseDir string) string {
	return workdir.ResolveBaseDir(baseDir)
}

func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("clientstore: open database: %w", err)
	}

	// Pin to a single connection: SQLite allows one writer, and pinning
	// prevents the pool from opening extra connections that could corrupt
	// the WAL/SHM files under concurrent multi-process access.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientstore: enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientstore: set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return conn, nil
}

// Open opens an existing store and runs its schema migration (idempotent;
// CREATE TABLE IF NOT EXISTS), failing if the directory has never been
// initialized.
func Open(baseDir string, reg *registry.Registry) (*Store, error) {
	baseDir = ResolveBaseDir(baseDir)
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("clientstore: database not found at %s: run init first", dbPath)
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(buildSchema(reg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientstore: apply schema: %w", err)
	}
	return &Store{conn: conn, baseDir: baseDir, reg: reg}, nil
}

// Initialize creates the store directory and database from scratch.
func Initialize(baseDir string, reg *registry.Registry) (*Store, error) {
	baseDir = ResolveBaseDir(baseDir)
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("clientstore: create store dir: %w", err)
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(buildSchema(reg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientstore: create schema: %w", err)
	}
	return &Store{conn: conn, baseDir: baseDir, reg: reg}, nil
}

// Close checkpoints the WAL back into the main file (best effort) and closes
// the connection, avoiding stale -wal/-shm files for the next process.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB, for callers (the sync runner) that
// need to run ad hoc reads outside the Store's own helper methods.
func (s *Store) Conn() *sql.DB { return s.conn }

// BaseDir returns the resolved store root.
func (s *Store) BaseDir() string { return s.baseDir }

// withWriteLock executes fn while holding an exclusive cross-process file
// lock, preventing a concurrent CLI invocation from writing at the same
// time as the sync runner.
func (s *Store) withWriteLock(fn func() error) error {
	locker := newWriteLocker(s.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}
