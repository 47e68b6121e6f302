/*
rollback.go - Restore the store from the newest verified backup

PURPOSE:
  The transaction mechanism already undoes a failed rebuild; this path
  exists for everything the transaction cannot undo - a corrupted store
  file, a commit that validated wrong, an operator pulling the cord. It is
  independent of any in-flight transaction state and can be invoked as its
  own entry point at any time.

SEQUENCE:
  1. Stop every ingestion workflow unconditionally (errors logged, not
     fatal - the restore must proceed regardless).
  2. Locate the newest primary snapshot and verify it (structure plus
     recorded checksum).
  3. If the primary is corrupt, fall back to its secondary copy.
  4. If neither is usable, report CatastrophicFailure and stop; no
     further automated action is safe.
  5. Copy the chosen snapshot over the live store file.
  6. Relaunch the workflow supervisor.
*/
package migration

import (
	"context"
	"fmt"
)

// RollbackCoordinator restores the store from backup.
type RollbackCoordinator struct {
	mc *Context
}

// NewRollbackCoordinator returns a coordinator bound to the run context.
func NewRollbackCoordinator(mc *Context) *RollbackCoordinator {
	return &RollbackCoordinator{mc: mc}
}

// Restore executes the full restore sequence. A nil return means the live
// store file is byte-identical to a verified snapshot. Errors wrap
// ErrCatastrophicFailure when no usable backup exists.
func (r *RollbackCoordinator) Restore(ctx context.Context) error {
	log := r.mc.Log.Logger

	if err := r.mc.Proc.Pause(ctx, r.mc.Cfg.WorkflowNames); err != nil {
		log.Warn().Err(err).Msg("workflow stop during restore failed, continuing")
	}

	artifact, err := NewestArtifact(r.mc.Cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatastrophicFailure, err)
	}
	if artifact == nil {
		r.mc.Log.Record(CategoryCatastrophicFailure)
		return fmt.Errorf("%w: no backups in %s", ErrCatastrophicFailure, r.mc.Cfg.BackupDir)
	}

	source := artifact.Path
	if err := VerifyArtifactFile(ctx, source, artifact.Checksum); err != nil {
		log.Warn().Err(err).Str("path", source).Msg("primary snapshot unusable, trying secondary")
		source = artifact.SecondaryPath
		if err := VerifyArtifactFile(ctx, source, artifact.Checksum); err != nil {
			r.mc.Log.Record(CategoryCatastrophicFailure)
			return fmt.Errorf("%w: primary and secondary both unusable: %v", ErrCatastrophicFailure, err)
		}
	}

	// The live handle must be released before the file is replaced.
	if err := r.mc.CloseDB(); err != nil {
		log.Warn().Err(err).Msg("failed to close live store handle before restore")
	}
	if err := copyFile(r.mc.Cfg.DatabasePath, source); err != nil {
		r.mc.Log.Record(CategoryCatastrophicFailure)
		return fmt.Errorf("%w: restore copy failed: %v", ErrCatastrophicFailure, err)
	}
	if err := r.mc.ReopenDB(); err != nil {
		return fmt.Errorf("failed to reopen restored store: %w", err)
	}

	log.Info().Str("snapshot", source).Msg("store restored from backup")

	if err := r.mc.Proc.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("workflow resume after restore failed, restart manually")
	}
	return nil
}
