package migration_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/packhouse/stockline/migration"
	"github.com/packhouse/stockline/proc"
	"github.com/packhouse/stockline/store/sqlite"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// seedLegacyStore creates a legacy store file: the denormalized fact table,
// the catalog source tables and a spread of good and bad rows.
//
// Of the 7 usage rows, 4 are migratable and 3 are validation failures:
// an unknown product code, a mangled reference and a zero quantity.
const legacyRowCount = 7
const migratableRowCount = 4

func seedLegacyStore(t *testing.T, path string) {
	t.Helper()

	db, err := sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE current_stock (
			code        TEXT NOT NULL,
			name        TEXT NOT NULL,
			case_size   INTEGER NOT NULL DEFAULT 1,
			unit_weight TEXT NOT NULL DEFAULT '0'
		);
		CREATE TABLE lot_receipts (
			product_code TEXT NOT NULL,
			lot_code     TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			received_on  TEXT,
			adjusted_in  TEXT NOT NULL DEFAULT '0',
			adjusted_out TEXT NOT NULL DEFAULT '0'
		);
		CREATE TABLE usage_records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			item_ref   TEXT NOT NULL,
			quantity   INTEGER NOT NULL,
			order_ref  TEXT,
			used_on    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX idx_usage_order_ref ON usage_records(order_ref);
		CREATE INDEX idx_usage_used_on ON usage_records(used_on);

		INSERT INTO current_stock (code, name, case_size, unit_weight) VALUES
			('17612', 'Whole Bean 1kg', 6, '1.05'),
			('17613', 'Ground 500g', 12, '0.52'),
			('17699', 'Sampler Box', 1, '0.80');

		INSERT INTO lot_receipts (product_code, lot_code, status, received_on) VALUES
			('17612', '250100', 'inactive', '2025-01-10'),
			('17612', '250200', 'active', '2025-02-12'),
			('17613', '250200', 'active', '2025-02-14');

		INSERT INTO usage_records (item_ref, quantity, order_ref, used_on, created_at) VALUES
			('17612 - 250200', 5, 'ORD1', '2025-03-01', datetime('now')),
			('17612 - 250300', 5, 'ORD1', '2025-03-02', datetime('now')),
			('17613', 2, 'ORD2', '2025-03-03', datetime('now')),
			('17612 - 250200', 1, NULL, '2025-03-04', datetime('now')),
			('UNKNOWN99', 3, NULL, '2025-03-05', datetime('now')),
			('17612 - 250300 - X', 1, 'ORD3', '2025-03-06', datetime('now')),
			('17613', 0, 'ORD4', '2025-03-07', datetime('now'));
	`)
	require.NoError(t, err)
}

type testRun struct {
	mc     *migration.Context
	orch   *migration.Orchestrator
	fake   *proc.Fake
	dbPath string
	dir    string
}

func newTestRun(t *testing.T, mutate func(*migration.Config)) *testRun {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stock.db")
	seedLegacyStore(t, dbPath)

	cfg := migration.Config{
		DatabasePath:     dbPath,
		BackupDir:        filepath.Join(dir, "backups"),
		ExpectedProducts: 3,
		MinPassingChecks: migration.DefaultMinPassingChecks,
		WorkflowNames:    []string{"order-import", "sheet-ingest"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fake := &proc.Fake{}
	mc, err := migration.NewContext(cfg, fake, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mc.Close() })

	return &testRun{
		mc:     mc,
		orch:   migration.New(mc),
		fake:   fake,
		dbPath: dbPath,
		dir:    dir,
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	n, err := sqlite.CountRows(context.Background(), db, table)
	require.NoError(t, err)
	return n
}

// columnExists reports whether the table still carries a given column,
// which is how the tests tell the legacy shape from the normalized one.
func columnExists(t *testing.T, db *sql.DB, table, column string) bool {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()

	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		if name == column {
			return true
		}
	}
	require.NoError(t, rows.Err())
	return false
}
