/*
errors.go - Error taxonomy for the migration engine

PURPOSE:
  Every failure the orchestrator can see falls into one of five categories,
  and the category decides what happens next. Phase transitions happen on
  explicit error values only, checked with errors.Is - never by inspecting
  dynamic types of whatever bubbled up.

CATEGORIES:
  ValidationFailure     one row could not be parsed or resolved; skipped
                        and logged, never aborts the run (not an error
                        value at all - see rebuild.go)
  BackupFailure         snapshot creation or verification failed; aborts
                        before anything destructive, nothing to undo
  ProcessControlFailure quiescence could not be achieved; fatal before
                        the rebuild transaction opens
  IntegrityFailure      a post-rebuild invariant check failed; aborts
                        before commit, triggers restore from backup
  CatastrophicFailure   no usable backup exists for a restore; the
                        engine stops and a human takes over

USAGE:
  if errors.Is(err, migration.ErrIntegrityFailure) { ... }
*/
package migration

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBackupFailure is returned when a snapshot cannot be created or
	// its verification fails. Nothing destructive has happened yet.
	ErrBackupFailure = errors.New("backup failure")

	// ErrProcessControlFailure is returned when the ingestion workflows
	// cannot be quiesced.
	ErrProcessControlFailure = errors.New("process control failure")

	// ErrIntegrityFailure is returned when a post-rebuild invariant check
	// fails before commit.
	ErrIntegrityFailure = errors.New("integrity failure")

	// ErrCatastrophicFailure is returned when rollback cannot locate or
	// restore any usable backup. Manual intervention required.
	ErrCatastrophicFailure = errors.New("catastrophic failure: no usable backup")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// BackupError describes which snapshot stage failed.
type BackupError struct {
	Stage string // create, verify, checksum, copy
	Path  string
	Err   error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return ErrBackupFailure }

// IntegrityError names the invariant check that failed.
type IntegrityError struct {
	Check  string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check %q failed: %s", e.Check, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRecoverable reports whether the store can be rolled back to its
// pre-migration state after this error. Catastrophic failures cannot.
func IsRecoverable(err error) bool {
	return err != nil && !errors.Is(err, ErrCatastrophicFailure)
}

// CategoryOf maps an error to its run-log category, or "" for plain errors.
func CategoryOf(err error) Category {
	switch {
	case errors.Is(err, ErrBackupFailure):
		return CategoryBackupFailure
	case errors.Is(err, ErrProcessControlFailure):
		return CategoryProcessControlFailure
	case errors.Is(err, ErrIntegrityFailure):
		return CategoryIntegrityFailure
	case errors.Is(err, ErrCatastrophicFailure):
		return CategoryCatastrophicFailure
	default:
		return ""
	}
}
