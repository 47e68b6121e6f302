/*
main.go - Entry point for the stockline migration tool

PURPOSE:
  Parses the operator's intent, assembles the run context and dispatches
  exactly one of the three entry points: prework, migration or rollback.

COMMAND-LINE FLAGS:
  -prework           build the product and lot catalogs (safe, re-runnable)
  -migrate           run the full supervised migration
  -rollback          restore the newest verified backup
                     (exactly one of the three is required)
  -database          path to the live store (required)
  -test-mode         with -migrate: replay against a disposable copy
  -backup-dir        where snapshots and markers live (default ./backups)
  -log-dir           where per-run logs are written (default ./logs)
  -status            optional listen address for the status surface,
                     e.g. :8080
  -min-pass          integrity checks required to commit (default 5 of 6)
  -expect-products   product catalog cardinality tripwire (0 = off)
  -workflows         comma-separated ingestion workflow names to quiesce
  -supervisor        command line that relaunches the workflow supervisor

EXIT CODES:
  0  the requested phase completed (Committed, Idle after prework, or
     RolledBack after an explicit -rollback)
  1  the phase failed; the final state is in the summary
  2  flag usage error

EXAMPLES:
  # Build catalogs ahead of the window, alongside live traffic
  migrate -prework -database ./stock.db -expect-products 412

  # Rehearse first, then run for real
  migrate -migrate -test-mode -database ./stock.db
  migrate -migrate -database ./stock.db \
      -workflows order-import,sheet-ingest \
      -supervisor "/usr/local/bin/ingestd --all" \
      -status :8080
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/packhouse/stockline/api"
	"github.com/packhouse/stockline/migration"
	"github.com/packhouse/stockline/proc"
)

func main() {
	var (
		prework    = flag.Bool("prework", false, "build the reference catalogs")
		migrate    = flag.Bool("migrate", false, "run the full migration")
		rollback   = flag.Bool("rollback", false, "restore the newest verified backup")
		database   = flag.String("database", "", "path to the live store")
		testMode   = flag.Bool("test-mode", false, "replay the migration against a disposable copy")
		backupDir  = flag.String("backup-dir", "./backups", "snapshot directory")
		logDir     = flag.String("log-dir", "./logs", "run log directory")
		statusAddr = flag.String("status", "", "listen address for the status surface (empty = off)")
		minPass    = flag.Int("min-pass", migration.DefaultMinPassingChecks, "integrity checks required to commit")
		expected   = flag.Int64("expect-products", 0, "expected product catalog cardinality (0 disables)")
		workflows  = flag.String("workflows", "", "comma-separated workflow names to quiesce")
		supervisor = flag.String("supervisor", "", "command relaunching the workflow supervisor")
	)
	flag.Parse()

	modes := 0
	for _, m := range []bool{*prework, *migrate, *rollback} {
		if m {
			modes++
		}
	}
	if modes != 1 || *database == "" || (*testMode && !*migrate) {
		flag.Usage()
		os.Exit(2)
	}

	cfg := migration.Config{
		DatabasePath:     *database,
		BackupDir:        *backupDir,
		LogDir:           *logDir,
		ExpectedProducts: *expected,
		MinPassingChecks: *minPass,
		WorkflowNames:    splitCSV(*workflows),
		TestMode:         *testMode,
	}

	var ctrl proc.Controller
	if *testMode {
		ctrl = &proc.Fake{}
	} else {
		ctrl = &proc.OSController{SupervisorCmd: strings.Fields(*supervisor)}
	}

	mc, err := migration.NewContext(cfg, ctrl, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer mc.Close()

	orch := migration.New(mc)

	if *statusAddr != "" {
		router := api.NewRouter(api.NewHandler(orch, mc))
		go func() {
			if err := http.ListenAndServe(*statusAddr, router); err != nil {
				mc.Log.Logger.Warn().Err(err).Msg("status server stopped")
			}
		}()
		mc.Log.Logger.Info().Str("addr", *statusAddr).Msg("status surface listening")
	}

	// SIGINT/SIGTERM cancel the run; mid-transaction this behaves like
	// any other failure and the restore path takes over.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *prework:
		err = orch.RunPrework(ctx)
	case *migrate && *testMode:
		err = orch.RunTestReplay(ctx)
	case *migrate:
		err = orch.RunMigration(ctx)
	case *rollback:
		err = orch.RunRollback(ctx)
	}

	fmt.Print(orch.Summary())
	if err != nil {
		if cat := migration.CategoryOf(err); cat != "" {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cat, err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
