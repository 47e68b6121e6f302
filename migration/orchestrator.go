/*
Package migration is the supervised engine that normalizes the usage store.

PURPOSE:
  The legacy store keeps a high-volume usage_records table whose free-text
  item reference encodes a product code and an optional lot code. This
  package converts that store to an explicit foreign-key schema as an
  all-or-nothing operation with verified backups and automatic recovery:

    Prework    build the product and lot catalogs from the legacy data.
               Never touches the fact table; safe to re-run any number of
               times alongside live traffic.
    Migration  backup -> quiesce workflows -> shadow-table rebuild ->
               integrity validation -> commit -> resume workflows.
    Rollback   independent entry point restoring the newest verified
               backup, for damage a transaction cannot undo.

STATE MACHINE (orchestrator.go):
  Idle -> Prework -> Idle
  Idle -> Migrating -> Committed
  Migrating -> RolledBack   (failure, restore succeeded)
  Migrating -> Failed       (failure, restore impossible; manual action)
  any  -> RolledBack/Failed (direct rollback entry point)

ORDERING:
  Side effects are strictly ordered. Workflows are paused only after the
  backup pair is verified; the rebuild transaction opens only after
  quiescence is confirmed; workflows resume only after the transaction has
  committed, not merely been attempted.

SEQUENCING vs CONCURRENCY:
  The orchestrator is single-threaded on purpose. Correctness comes from
  ordering and transactional scope; the only concurrent actors are the
  external workflows, and those are handled by name through proc, not by
  application-level locking.

TEST REPLAY:
  RunTestReplay duplicates the store file into a temporary directory and
  runs the full Migration sequence there with a fake workflow controller.
  Real workflows and the real backup set are never touched.

SEE ALSO:
  - rebuild.go:  the shadow-table rebuild
  - validate.go: the commit gate
  - backup.go:   snapshot creation and verification
  - rollback.go: the restore path
*/
package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/packhouse/stockline/catalog"
	"github.com/packhouse/stockline/proc"
	"github.com/packhouse/stockline/store/sqlite"
)

// State is the orchestrator's phase state.
type State int32

const (
	StateIdle State = iota
	StatePrework
	StateMigrating
	StateCommitted
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePrework:
		return "Prework"
	case StateMigrating:
		return "Migrating"
	case StateCommitted:
		return "Committed"
	case StateRolledBack:
		return "RolledBack"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Orchestrator sequences one run through its phases.
type Orchestrator struct {
	mc           *Context
	state        atomic.Int32
	stats        RebuildStats
	checksPassed atomic.Int64
}

// New returns an Orchestrator in Idle.
func New(mc *Context) *Orchestrator {
	return &Orchestrator{mc: mc}
}

// State returns the current phase state. Safe from any goroutine.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.mc.Log.Logger.Info().Str("state", s.String()).Msg("state transition")
}

// Stats exposes the rebuild counters for the status surface.
func (o *Orchestrator) Stats() *RebuildStats {
	return &o.stats
}

// ChecksPassed returns how many integrity checks passed on the last run.
func (o *Orchestrator) ChecksPassed() int64 {
	return o.checksPassed.Load()
}

// Summary renders the end-of-run report.
func (o *Orchestrator) Summary() string {
	return o.mc.Log.Summary(o.State(), o.stats.Migrated.Load(), o.stats.Skipped.Load())
}

// =============================================================================
// PREWORK
// =============================================================================

// RunPrework builds both catalogs. It never mutates the fact table and is
// designed to run alongside live traffic, so workflow control problems
// here are warnings, not failures.
func (o *Orchestrator) RunPrework(ctx context.Context) error {
	o.setState(StatePrework)
	log := o.mc.Log.Logger

	if err := o.mc.Proc.Pause(ctx, o.mc.Cfg.WorkflowNames); err != nil {
		o.mc.Log.Record(CategoryProcessControlFailure)
		log.Warn().Err(err).Msg("workflows not fully quiesced for prework, continuing")
	}
	defer func() {
		if err := o.mc.Proc.Resume(ctx); err != nil {
			log.Warn().Err(err).Msg("workflow resume after prework failed, restart manually")
		}
	}()

	builder := catalog.NewBuilder(o.mc.DB(), log, o.mc.Cfg.ExpectedProducts)
	products, err := builder.BuildProductCatalog(ctx)
	if err != nil {
		o.setState(StateFailed)
		return fmt.Errorf("prework failed: %w", err)
	}
	lots, err := builder.BuildLotCatalog(ctx)
	if err != nil {
		o.setState(StateFailed)
		return fmt.Errorf("prework failed: %w", err)
	}

	log.Info().Int64("products", products).Int64("lots", lots).Msg("prework complete")
	o.setState(StateIdle)
	return nil
}

// =============================================================================
// MIGRATION
// =============================================================================

// RunMigration executes the full destructive sequence against the live
// store. On failure after quiescence it restores from backup and reports
// RolledBack; Failed means the restore itself was impossible.
func (o *Orchestrator) RunMigration(ctx context.Context) error {
	o.setState(StateMigrating)
	log := o.mc.Log.Logger

	backups := NewBackupManager(o.mc)
	if _, err := backups.CreateVerified(ctx); err != nil {
		o.mc.Log.Record(CategoryBackupFailure)
		o.setState(StateFailed)
		return err
	}
	if err := backups.WriteFreezeMarker(ctx); err != nil {
		o.mc.Log.Record(CategoryBackupFailure)
		o.setState(StateFailed)
		return err
	}

	if err := o.mc.Proc.Pause(ctx, o.mc.Cfg.WorkflowNames); err != nil {
		o.mc.Log.Record(CategoryProcessControlFailure)
		// Nothing destructive has happened; bring the workflows back up.
		if resumeErr := o.mc.Proc.Resume(ctx); resumeErr != nil {
			log.Warn().Err(resumeErr).Msg("workflow resume after failed quiescence also failed")
		}
		o.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrProcessControlFailure, err)
	}

	if err := o.rebuildAndValidate(ctx); err != nil {
		log.Error().Err(err).Msg("migration failed, restoring from backup")
		restorer := NewRollbackCoordinator(o.mc)
		if restoreErr := restorer.Restore(ctx); restoreErr != nil {
			o.setState(StateFailed)
			return fmt.Errorf("migration failed (%v); restore also failed: %w", err, restoreErr)
		}
		o.setState(StateRolledBack)
		return err
	}

	if err := o.writeCommitMarker(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to write commit marker")
	}
	if err := o.mc.Proc.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("workflow resume failed, restart manually")
	}

	o.setState(StateCommitted)
	return nil
}

// rebuildAndValidate runs the rebuild and the check battery inside one
// immediate transaction and commits only when the gate passes.
func (o *Orchestrator) rebuildAndValidate(ctx context.Context) error {
	xdb, err := sqlite.OpenExclusive(o.mc.Cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer xdb.Close()

	tx, err := xdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to open rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	rebuilder := NewTableRebuilder(o.mc, &o.stats)
	if err := rebuilder.Rebuild(ctx, tx); err != nil {
		return err
	}

	validator := NewIntegrityValidator(o.mc)
	results, err := validator.Validate(ctx, tx)
	passed := int64(0)
	for _, res := range results {
		if res.Passed {
			passed++
		}
	}
	o.checksPassed.Store(passed)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

// writeCommitMarker records the post-commit row counts next to the run's
// backups, the counterpart of the freeze marker.
func (o *Orchestrator) writeCommitMarker(ctx context.Context) error {
	usage, err := sqlite.CountRows(ctx, o.mc.DB(), "usage_records")
	if err != nil {
		return err
	}
	path := filepath.Join(o.mc.Cfg.BackupDir, "committed-"+o.mc.RunID+".txt")
	body := fmt.Sprintf("committed_at=%s\nusage_records=%d\nmigrated=%d\nskipped=%d\n",
		time.Now().UTC().Format(time.RFC3339), usage,
		o.stats.Migrated.Load(), o.stats.Skipped.Load())
	return os.WriteFile(path, []byte(body), 0o644)
}

// =============================================================================
// ROLLBACK ENTRY POINT
// =============================================================================

// RunRollback restores the newest verified backup, independent of any
// prior phase.
func (o *Orchestrator) RunRollback(ctx context.Context) error {
	restorer := NewRollbackCoordinator(o.mc)
	if err := restorer.Restore(ctx); err != nil {
		o.setState(StateFailed)
		return err
	}
	o.setState(StateRolledBack)
	return nil
}

// =============================================================================
// TEST REPLAY
// =============================================================================

// RunTestReplay duplicates the store file and runs the full Migration
// sequence against the copy with a fake workflow controller. The live
// store, real workflows and the real backup set are untouched.
func (o *Orchestrator) RunTestReplay(ctx context.Context) error {
	log := o.mc.Log.Logger

	tmp, err := os.MkdirTemp("", "stockline-replay-")
	if err != nil {
		return fmt.Errorf("failed to create replay directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	replayDB := filepath.Join(tmp, "replay.db")
	if err := copyFile(replayDB, o.mc.Cfg.DatabasePath); err != nil {
		return fmt.Errorf("failed to duplicate store for replay: %w", err)
	}

	cfg := o.mc.Cfg
	cfg.DatabasePath = replayDB
	cfg.BackupDir = filepath.Join(tmp, "backups")
	cfg.LogDir = ""
	cfg.TestMode = true

	replayCtx, err := NewContext(cfg, &proc.Fake{}, o.mc.console)
	if err != nil {
		return fmt.Errorf("failed to build replay context: %w", err)
	}
	defer replayCtx.Close()

	log.Info().Str("copy", replayDB).Msg("test replay starting against disposable copy")

	replay := New(replayCtx)
	runErr := replay.RunMigration(ctx)

	// Mirror the replay's counters so the status surface and summary
	// reflect what the live run would do.
	o.stats.Scanned.Store(replay.stats.Scanned.Load())
	o.stats.Migrated.Store(replay.stats.Migrated.Load())
	o.stats.Skipped.Store(replay.stats.Skipped.Load())
	o.stats.LotsCreated.Store(replay.stats.LotsCreated.Load())
	o.checksPassed.Store(replay.checksPassed.Load())
	o.state.Store(replay.state.Load())
	o.mc.Log.Merge(replayCtx.Log)

	if runErr != nil {
		return fmt.Errorf("test replay failed, live store untouched: %w", runErr)
	}
	log.Info().
		Int64("migrated", o.stats.Migrated.Load()).
		Int64("skipped", o.stats.Skipped.Load()).
		Msg("test replay committed on the disposable copy")
	return nil
}
