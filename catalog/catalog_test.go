package catalog_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/packhouse/stockline/catalog"
	"github.com/packhouse/stockline/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newLegacyStore(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

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

		INSERT INTO current_stock (code, name, case_size, unit_weight) VALUES
			('17612', 'Whole Bean 1kg', 6, '1.05'),
			('17613', 'Ground 500g', 12, '0.52'),
			('17699', 'Sampler Box', 1, '0.80');

		INSERT INTO lot_receipts (product_code, lot_code, status, received_on, adjusted_in, adjusted_out) VALUES
			('17612', '250100', 'inactive', '2025-01-10', '0', '3'),
			('17612', '250200', 'active', '2025-02-12', '5', '0'),
			('17613', '250200', 'active', '2025-02-14', '0', '0');
	`)
	require.NoError(t, err)

	return db
}

// =============================================================================
// BUILDER TESTS
// =============================================================================

func TestBuildProductCatalog(t *testing.T) {
	db := newLegacyStore(t)
	b := catalog.NewBuilder(db, zerolog.Nop(), 3)

	count, err := b.BuildProductCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	p, err := catalog.GetProduct(context.Background(), db, "17612")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Whole Bean 1kg", p.Name)
	assert.Equal(t, 6, p.CaseSize)
	assert.Equal(t, "1.05", p.UnitWeight.String())
}

func TestBuildProductCatalog_CardinalityTripwire(t *testing.T) {
	// GIVEN: current_stock with 3 rows
	// WHEN: the catalog is built expecting 5
	// THEN: the build fails fatally

	db := newLegacyStore(t)
	b := catalog.NewBuilder(db, zerolog.Nop(), 5)

	_, err := b.BuildProductCatalog(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "expected 5")
}

func TestBuildCatalogs_Idempotent(t *testing.T) {
	// GIVEN: both catalogs already built
	// WHEN: the builds run a second time
	// THEN: row counts are unchanged and no error is raised

	db := newLegacyStore(t)
	b := catalog.NewBuilder(db, zerolog.Nop(), 3)
	ctx := context.Background()

	products, err := b.BuildProductCatalog(ctx)
	require.NoError(t, err)
	lots, err := b.BuildLotCatalog(ctx)
	require.NoError(t, err)

	productsAgain, err := b.BuildProductCatalog(ctx)
	require.NoError(t, err)
	lotsAgain, err := b.BuildLotCatalog(ctx)
	require.NoError(t, err)

	assert.Equal(t, products, productsAgain)
	assert.Equal(t, lots, lotsAgain)
}

func TestBuildLotCatalog_InheritsOwnerAndAttributes(t *testing.T) {
	db := newLegacyStore(t)
	b := catalog.NewBuilder(db, zerolog.Nop(), 3)
	ctx := context.Background()

	_, err := b.BuildProductCatalog(ctx)
	require.NoError(t, err)
	count, err := b.BuildLotCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	p, err := catalog.GetProduct(ctx, db, "17612")
	require.NoError(t, err)
	require.NotNil(t, p)

	lot, err := catalog.GetLot(ctx, db, p.ID, "250100")
	require.NoError(t, err)
	require.NotNil(t, lot)
	assert.Equal(t, catalog.LotInactive, lot.Status)
	require.NotNil(t, lot.ReceivedOn)
	assert.Equal(t, "2025-01-10", lot.ReceivedOn.Format("2006-01-02"))
	assert.Equal(t, "3", lot.AdjustedOut.String())

	// Same lot code under a different product is a distinct row.
	p2, err := catalog.GetProduct(ctx, db, "17613")
	require.NoError(t, err)
	lot2, err := catalog.GetLot(ctx, db, p2.ID, "250200")
	require.NoError(t, err)
	require.NotNil(t, lot2)
	assert.NotEqual(t, lot.ID, lot2.ID)
}

// =============================================================================
// RESOLVER TESTS
// =============================================================================

func TestResolver_LookupAndLazyCreate(t *testing.T) {
	db := newLegacyStore(t)
	b := catalog.NewBuilder(db, zerolog.Nop(), 3)
	ctx := context.Background()

	_, err := b.BuildProductCatalog(ctx)
	require.NoError(t, err)
	_, err = b.BuildLotCatalog(ctx)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	r, err := catalog.NewResolver(ctx, tx, zerolog.Nop())
	require.NoError(t, err)

	productID, ok := r.ProductID("17612")
	assert.True(t, ok)
	_, ok = r.ProductID("UNKNOWN99")
	assert.False(t, ok)

	// Known lot resolves without creating anything.
	known, err := r.LotID(ctx, productID, "250200")
	require.NoError(t, err)
	assert.Zero(t, r.LotsCreated())

	// Unseen lot is created once and cached.
	created, err := r.LotID(ctx, productID, "250300")
	require.NoError(t, err)
	assert.NotEqual(t, known, created)
	assert.Equal(t, 1, r.LotsCreated())

	again, err := r.LotID(ctx, productID, "250300")
	require.NoError(t, err)
	assert.Equal(t, created, again)
	assert.Equal(t, 1, r.LotsCreated())
}
