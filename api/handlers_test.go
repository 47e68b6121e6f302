package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/packhouse/stockline/api"
	"github.com/packhouse/stockline/migration"
	"github.com/packhouse/stockline/proc"
	"github.com/packhouse/stockline/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStatusServer stands up a seeded store, an orchestrator and the status
// router around them.
func newStatusServer(t *testing.T) (*httptest.Server, *migration.Orchestrator, *migration.Context) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stock.db")
	seedStore(t, dbPath)

	cfg := migration.Config{
		DatabasePath:     dbPath,
		BackupDir:        filepath.Join(dir, "backups"),
		ExpectedProducts: 2,
	}
	mc, err := migration.NewContext(cfg, &proc.Fake{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mc.Close() })

	orch := migration.New(mc)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(orch, mc)))
	t.Cleanup(srv.Close)
	return srv, orch, mc
}

func seedStore(t *testing.T, path string) {
	t.Helper()
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_ref TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			order_ref TEXT,
			used_on TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE current_stock (
			code        TEXT NOT NULL,
			name        TEXT NOT NULL,
			case_size   INTEGER NOT NULL DEFAULT 1,
			unit_weight TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE lot_receipts (
			product_code TEXT NOT NULL,
			lot_code     TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			received_on  TEXT,
			adjusted_in  TEXT NOT NULL DEFAULT '0',
			adjusted_out TEXT NOT NULL DEFAULT '0'
		)`,
		`INSERT INTO current_stock (code, name) VALUES ('17612', 'Whole Bean 1kg'), ('17613', 'Ground 500g')`,
		`INSERT INTO lot_receipts (product_code, lot_code, received_on) VALUES ('17612', '250200', '2025-02-01')`,
		`INSERT INTO usage_records (item_ref, quantity, order_ref) VALUES ('17612 - 250200', 4, 'ORD1')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func getJSON(t *testing.T, url string, dst any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestGetStatus(t *testing.T) {
	srv, orch, mc := newStatusServer(t)

	var before api.StatusResponse
	getJSON(t, srv.URL+"/api/status", &before)
	assert.Equal(t, mc.RunID, before.Run)
	assert.Equal(t, "Idle", before.State)
	assert.Zero(t, before.Migrated)

	ctx := context.Background()
	require.NoError(t, orch.RunPrework(ctx))
	require.NoError(t, orch.RunMigration(ctx))

	var after api.StatusResponse
	getJSON(t, srv.URL+"/api/status", &after)
	assert.Equal(t, "Committed", after.State)
	assert.Equal(t, int64(1), after.Scanned)
	assert.Equal(t, int64(1), after.Migrated)
	assert.Equal(t, int64(6), after.ChecksPassed)
}

func TestGetRunLog(t *testing.T) {
	srv, _, mc := newStatusServer(t)
	mc.Log.Logger.Info().Msg("status surface probe")

	var resp api.RunLogResponse
	getJSON(t, srv.URL+"/api/runlog", &resp)
	require.NotEmpty(t, resp.Lines)
	assert.Contains(t, resp.Lines[len(resp.Lines)-1], "status surface probe")
}

func TestGetCatalog(t *testing.T) {
	srv, orch, _ := newStatusServer(t)

	// Before prework neither catalog table exists.
	var before api.CatalogResponse
	getJSON(t, srv.URL+"/api/catalog", &before)
	assert.Zero(t, before.Products)
	assert.Zero(t, before.Lots)

	require.NoError(t, orch.RunPrework(context.Background()))

	var after api.CatalogResponse
	getJSON(t, srv.URL+"/api/catalog", &after)
	assert.Equal(t, int64(2), after.Products)
	assert.Equal(t, int64(1), after.Lots)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, orch, _ := newStatusServer(t)

	ctx := context.Background()
	require.NoError(t, orch.RunPrework(ctx))
	require.NoError(t, orch.RunMigration(ctx))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "stockline_migration_rows_migrated 1")
	assert.Contains(t, text, "stockline_migration_checks_passed 6")
}

func TestUnknownRoute(t *testing.T) {
	srv, _, _ := newStatusServer(t)
	resp, err := http.Get(srv.URL + "/api/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
