package migration_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/packhouse/stockline/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLog_PersistsToFile(t *testing.T) {
	dir := t.TempDir()

	log, err := migration.NewRunLog(dir, "20250102-030405", nil)
	require.NoError(t, err)
	log.Logger.Info().Str("phase", "prework").Msg("catalogs ready")
	require.NoError(t, log.Close())

	body, err := os.ReadFile(filepath.Join(dir, "migration-20250102-030405.log"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "catalogs ready")
	assert.Contains(t, string(body), `"run":"20250102-030405"`)
}

func TestRunLog_EmptyDirSkipsFile(t *testing.T) {
	log, err := migration.NewRunLog("", "20250102-030405", nil)
	require.NoError(t, err)
	log.Logger.Info().Msg("replay only")
	assert.NoError(t, log.Close())
	assert.Len(t, log.Tail(), 1)
}

func TestRunLog_CountersAndMerge(t *testing.T) {
	parent, err := migration.NewRunLog("", "parent", nil)
	require.NoError(t, err)
	child, err := migration.NewRunLog("", "child", nil)
	require.NoError(t, err)

	parent.Record(migration.CategoryValidationFailure)
	child.Record(migration.CategoryValidationFailure)
	child.Record(migration.CategoryValidationFailure)
	child.Record(migration.CategoryIntegrityFailure)

	parent.Merge(child)

	assert.Equal(t, 3, parent.Count(migration.CategoryValidationFailure))
	assert.Equal(t, 1, parent.Count(migration.CategoryIntegrityFailure))
	assert.Equal(t, 0, parent.Count(migration.CategoryBackupFailure))

	// Merging never drains the source.
	assert.Equal(t, 2, child.Count(migration.CategoryValidationFailure))
}

func TestRunLog_Tail(t *testing.T) {
	log, err := migration.NewRunLog("", "tail", nil)
	require.NoError(t, err)

	log.Logger.Info().Msg("first")
	log.Logger.Warn().Msg("second")

	tail := log.Tail()
	require.Len(t, tail, 2)
	assert.Contains(t, tail[0], "first")
	assert.Contains(t, tail[1], "second")
}

func TestRunLog_Summary(t *testing.T) {
	log, err := migration.NewRunLog("", "sum", nil)
	require.NoError(t, err)

	clean := log.Summary(migration.StateCommitted, 120, 3)
	assert.Contains(t, clean, "final state: Committed")
	assert.Contains(t, clean, "rows migrated: 120, rows skipped: 3")
	assert.Contains(t, clean, "no failures recorded")

	log.Record(migration.CategoryBackupFailure)
	log.Record(migration.CategoryCatastrophicFailure)
	dirty := log.Summary(migration.StateFailed, 0, 0)
	assert.Contains(t, dirty, "BackupFailure: 1")
	assert.Contains(t, dirty, "CatastrophicFailure: 1")
	assert.False(t, strings.Contains(dirty, "no failures recorded"))
}
