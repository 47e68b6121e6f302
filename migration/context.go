package migration

import (
	"database/sql"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/packhouse/stockline/proc"
	"github.com/packhouse/stockline/store/sqlite"
)

// Config is the complete configuration for one orchestrator run. There is
// no ambient/global configuration anywhere in the engine; everything a
// component needs arrives through the Context carrying this struct.
type Config struct {
	// DatabasePath is the live store file.
	DatabasePath string

	// BackupDir holds snapshots, checksum companions and freeze markers.
	BackupDir string

	// LogDir holds the persisted per-run logs. Empty means console only.
	LogDir string

	// ExpectedProducts is the cardinality tripwire for the product
	// catalog build. 0 disables the check.
	ExpectedProducts int64

	// MinPassingChecks is how many of the six integrity checks must pass
	// by their actual result before the rebuild may commit. Every hard
	// check must pass regardless; raising this to 6 additionally demands
	// both advisory checks hold.
	MinPassingChecks int

	// WorkflowNames are the ingestion workflows to quiesce before the
	// destructive phase.
	WorkflowNames []string

	// TestMode replays the migration against a disposable copy of the
	// store instead of the live file.
	TestMode bool
}

// Validate checks the config before a run starts.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.MinPassingChecks < 0 || c.MinPassingChecks > checkCount {
		return fmt.Errorf("min passing checks must be between 0 and %d", checkCount)
	}
	return nil
}

// Context carries everything a run needs: the store handle, the run log,
// the run id, the configuration and the workflow controller. It is built
// once per run by the caller and passed by pointer to every component.
//
// The store handle is held behind an atomic pointer because the restore
// path swaps it (CloseDB/ReopenDB) while the status server reads it from
// its own goroutine.
type Context struct {
	Log   *RunLog
	RunID string
	Cfg   Config
	Proc  proc.Controller

	db      atomic.Pointer[sql.DB]
	console io.Writer
}

// DB returns the current store handle, or nil while a restore has the
// live file unreferenced. Safe from any goroutine.
func (mc *Context) DB() *sql.DB {
	return mc.db.Load()
}

// NewContext opens the store, creates the run log and assembles a Context.
// console receives the human-readable log stream; pass nil to silence it.
func NewContext(cfg Config, ctrl proc.Controller, console io.Writer) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := time.Now().UTC().Format("20060102-150405")
	runLog, err := NewRunLog(cfg.LogDir, runID, console)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		runLog.Close()
		return nil, err
	}

	mc := &Context{
		Log:     runLog,
		RunID:   runID,
		Cfg:     cfg,
		Proc:    ctrl,
		console: console,
	}
	mc.db.Store(db)
	return mc, nil
}

// CloseDB closes the store handle. Restore needs the live file unreferenced
// before overwriting it. Concurrent readers see nil from DB until ReopenDB.
func (mc *Context) CloseDB() error {
	db := mc.db.Swap(nil)
	if db == nil {
		return nil
	}
	return db.Close()
}

// ReopenDB reopens the store handle after a restore.
func (mc *Context) ReopenDB() error {
	db, err := sqlite.Open(mc.Cfg.DatabasePath)
	if err != nil {
		return err
	}
	mc.db.Store(db)
	return nil
}

// Close releases the context's resources.
func (mc *Context) Close() error {
	dbErr := mc.CloseDB()
	logErr := mc.Log.Close()
	if dbErr != nil {
		return dbErr
	}
	return logErr
}
