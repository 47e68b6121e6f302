/*
Package catalog owns the normalized reference tables: products and lots.

PURPOSE:
  The legacy store has no notion of a product or a lot as a row — both live
  mashed together inside the free-text item reference of every usage
  record. This package creates the two catalog tables and populates them
  from the legacy data, once, ahead of the destructive rebuild:

    products  one row per current product, keyed by its short business
              code, sourced from the current_stock table.
    lots      one row per (product, lot code) pair, sourced by joining
              lot_receipts to the freshly built product catalog.

IDEMPOTENCE:
  Both build operations short-circuit when their table already exists and
  return the current row count. Running prework twice is explicitly safe;
  the catalogs are long-lived reference data shared with every downstream
  reader and are never dropped by this package.

CARDINALITY TRIPWIRE:
  The product catalog build asserts that the number of rows it produced
  equals a configured expected count. current_stock is exported from the
  upstream system and has in the past contained duplicated or truncated
  data; a mismatch here is a fatal prework error, not a warning.

SEE ALSO:
  - resolver.go:          in-transaction lookups and lazy lot creation
  - migration/rebuild.go: consumes the catalogs during the rebuild
*/
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/packhouse/stockline/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LotStatus is the lifecycle state of a lot.
type LotStatus string

const (
	LotActive   LotStatus = "active"
	LotInactive LotStatus = "inactive"
)

// Product is one row of the product catalog.
type Product struct {
	ID         int64
	Code       string
	Name       string
	CaseSize   int
	UnitWeight decimal.Decimal
	CreatedAt  time.Time
}

// Lot is one row of the lot catalog. AdjustedIn and AdjustedOut carry
// manual stock corrections and must never pass through floating point.
type Lot struct {
	ID          int64
	ProductID   int64
	Code        string
	Status      LotStatus
	ReceivedOn  *time.Time
	AdjustedIn  decimal.Decimal
	AdjustedOut decimal.Decimal
	CreatedAt   time.Time
}

const productSchema = `
	CREATE TABLE products (
		product_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		code        TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		case_size   INTEGER NOT NULL DEFAULT 1,
		unit_weight TEXT NOT NULL DEFAULT '0',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX idx_products_code ON products(code);
`

const lotSchema = `
	CREATE TABLE lots (
		lot_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id   INTEGER NOT NULL REFERENCES products(product_id),
		lot_code     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'active',
		received_on  TEXT,
		adjusted_in  TEXT NOT NULL DEFAULT '0',
		adjusted_out TEXT NOT NULL DEFAULT '0',
		created_at   TEXT NOT NULL,
		UNIQUE(product_id, lot_code)
	);
	CREATE INDEX idx_lots_product ON lots(product_id);
`

// Builder creates and populates the catalog tables.
type Builder struct {
	db               *sql.DB
	log              zerolog.Logger
	expectedProducts int64
}

// NewBuilder returns a Builder. expectedProducts is the cardinality the
// product catalog must end up with; 0 disables the tripwire.
func NewBuilder(db *sql.DB, log zerolog.Logger, expectedProducts int64) *Builder {
	return &Builder{db: db, log: log, expectedProducts: expectedProducts}
}

// BuildProductCatalog creates the products table and fills it from
// current_stock. Returns the catalog row count.
func (b *Builder) BuildProductCatalog(ctx context.Context) (int64, error) {
	exists, err := sqlite.TableExists(ctx, b.db, "products")
	if err != nil {
		return 0, err
	}
	if exists {
		count, err := sqlite.CountRows(ctx, b.db, "products")
		if err != nil {
			return 0, err
		}
		b.log.Info().Int64("products", count).Msg("product catalog already built")
		return count, nil
	}

	if _, err := b.db.ExecContext(ctx, productSchema); err != nil {
		return 0, fmt.Errorf("failed to create product catalog: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO products (code, name, case_size, unit_weight, created_at)
		SELECT code, name, case_size, unit_weight, ?
		FROM current_stock
		ORDER BY code
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to populate product catalog: %w", err)
	}

	count, err := sqlite.CountRows(ctx, b.db, "products")
	if err != nil {
		return 0, err
	}
	if b.expectedProducts > 0 && count != b.expectedProducts {
		return count, fmt.Errorf("product catalog has %d rows, expected %d: current_stock is partial or duplicated",
			count, b.expectedProducts)
	}

	b.log.Info().Int64("products", count).Msg("product catalog built")
	return count, nil
}

// BuildLotCatalog creates the lots table and fills it by joining
// lot_receipts to the product catalog on the product code. Returns the
// catalog row count. The product catalog must already exist.
func (b *Builder) BuildLotCatalog(ctx context.Context) (int64, error) {
	exists, err := sqlite.TableExists(ctx, b.db, "lots")
	if err != nil {
		return 0, err
	}
	if exists {
		count, err := sqlite.CountRows(ctx, b.db, "lots")
		if err != nil {
			return 0, err
		}
		b.log.Info().Int64("lots", count).Msg("lot catalog already built")
		return count, nil
	}

	if _, err := b.db.ExecContext(ctx, lotSchema); err != nil {
		return 0, fmt.Errorf("failed to create lot catalog: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO lots (product_id, lot_code, status, received_on, adjusted_in, adjusted_out, created_at)
		SELECT p.product_id, r.lot_code, r.status, r.received_on, r.adjusted_in, r.adjusted_out, ?
		FROM lot_receipts r
		JOIN products p ON p.code = r.product_code
		ORDER BY p.product_id, r.lot_code
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to populate lot catalog: %w", err)
	}

	count, err := sqlite.CountRows(ctx, b.db, "lots")
	if err != nil {
		return 0, err
	}
	b.log.Info().Int64("lots", count).Msg("lot catalog built")
	return count, nil
}

// GetProduct returns a product by code, or nil when absent.
func GetProduct(ctx context.Context, db *sql.DB, code string) (*Product, error) {
	var (
		p          Product
		unitWeight string
		createdAt  string
	)
	err := db.QueryRowContext(ctx,
		"SELECT product_id, code, name, case_size, unit_weight, created_at FROM products WHERE code = ?",
		code,
	).Scan(&p.ID, &p.Code, &p.Name, &p.CaseSize, &unitWeight, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.UnitWeight, err = decimal.NewFromString(unitWeight)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit weight for %s: %w", code, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

// GetLot returns a lot by product and lot code, or nil when absent.
func GetLot(ctx context.Context, db *sql.DB, productID int64, lotCode string) (*Lot, error) {
	var (
		l          Lot
		status     string
		receivedOn sql.NullString
		in, out    string
		createdAt  string
	)
	err := db.QueryRowContext(ctx, `
		SELECT lot_id, product_id, lot_code, status, received_on, adjusted_in, adjusted_out, created_at
		FROM lots WHERE product_id = ? AND lot_code = ?`,
		productID, lotCode,
	).Scan(&l.ID, &l.ProductID, &l.Code, &status, &receivedOn, &in, &out, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Status = LotStatus(status)
	if receivedOn.Valid {
		t, _ := time.Parse("2006-01-02", receivedOn.String)
		l.ReceivedOn = &t
	}
	if l.AdjustedIn, err = decimal.NewFromString(in); err != nil {
		return nil, fmt.Errorf("failed to parse adjusted_in for lot %d: %w", l.ID, err)
	}
	if l.AdjustedOut, err = decimal.NewFromString(out); err != nil {
		return nil, fmt.Errorf("failed to parse adjusted_out for lot %d: %w", l.ID, err)
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &l, nil
}
