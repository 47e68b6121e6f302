/*
Package sqlite wraps access to the stockline SQLite store.

PURPOSE:
  Every component of the migration engine talks to the store through the
  helpers here: opening handles with the right pragmas, probing for table
  existence, counting rows, and running the engine-level structural
  integrity check. Keeping the dialect details in one package means the
  rest of the codebase deals only in database/sql handles.

OPEN MODES:
  Open:          foreign keys on. Used for prework, validation reads and
                 the status surface.
  OpenExclusive: additionally acquires transactions with BEGIN IMMEDIATE
                 (_txlock=immediate), so the destructive rebuild holds the
                 write lock from the first statement and no other writer
                 can sneak in between its steps.

ERROR CLASSIFICATION:
  mattn/go-sqlite3 reports constraint violations as ordinary errors with
  well-known message prefixes. IsUniqueConstraintErr and IsForeignKeyErr
  centralize the string matching so callers never inspect err.Error()
  themselves.

USAGE:
  db, err := sqlite.Open("./stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

SEE ALSO:
  - migration/rebuild.go: uses OpenExclusive for the shadow-table rebuild
  - migration/backup.go:  uses IntegrityCheck to verify snapshots
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Querier is the subset of database handles the read helpers need.
// Satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the store with foreign key enforcement on.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// OpenExclusive opens the store for the rebuild: foreign keys on, and every
// transaction started as BEGIN IMMEDIATE so the write lock is taken up front.
func OpenExclusive(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the immediate transaction and every
	// statement inside it on the same underlying handle.
	db.SetMaxOpenConns(1)
	return db, nil
}

// TableExists reports whether a table with the given name exists.
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", name, err)
	}
	return count > 0, nil
}

// CountRows returns the row count of a table. The table name comes from
// code, never from user input.
func CountRows(ctx context.Context, q Querier, table string) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error unless the
// engine reports "ok".
func IntegrityCheck(ctx context.Context, q Querier) error {
	var result string
	if err := q.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}

// IsUniqueConstraintErr reports whether err is a UNIQUE constraint violation.
func IsUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyErr reports whether err is a FOREIGN KEY constraint violation.
func IsForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsCheckConstraintErr reports whether err is a CHECK constraint violation.
func IsCheckConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
