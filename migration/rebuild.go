/*
rebuild.go - Atomic shadow-table rebuild of the usage fact table

PURPOSE:
  Transforms every legacy usage record into its normalized shape inside a
  single immediate transaction:

  1. Create the shadow table with the full normalized schema, foreign keys
     and the (order_ref, raw_ref) uniqueness constraint.
  2. Stream every legacy row, in insertion order, through the reference
     parser; resolve the product from the catalog, resolve or lazily
     create the lot; bulk-insert the transformed rows into the shadow.
  3. Drop the legacy table.
  4. Rename the shadow into the legacy table's name.
  5. Recreate the secondary indexes the legacy table carried.

  Readers either see the fully-old table or the fully-new one; there is no
  observable intermediate state. The transaction is opened by the
  orchestrator with BEGIN IMMEDIATE and stays open through validation, so
  a failed invariant check still unwinds everything.

ROW-LEVEL FAILURES:
  A row whose reference cannot be parsed, whose product code is not in the
  catalog, or whose quantity is non-positive is skipped and logged as a
  ValidationFailure. One bad row never aborts the migration. The invariant
  scanned == migrated + skipped is reported in Stats and re-checked by the
  caller's tests.
*/
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/packhouse/stockline/catalog"
	"github.com/packhouse/stockline/parse"
)

const shadowSchema = `
	CREATE TABLE usage_records_new (
		id         INTEGER PRIMARY KEY,
		raw_ref    TEXT NOT NULL,
		product_id INTEGER NOT NULL REFERENCES products(product_id),
		lot_id     INTEGER REFERENCES lots(lot_id),
		quantity   INTEGER NOT NULL CHECK (quantity > 0),
		order_ref  TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(order_ref, raw_ref)
	)
`

// secondaryIndexes mirrors the index set the legacy table carried, pointed
// at the normalized columns.
var secondaryIndexes = []string{
	"CREATE INDEX idx_usage_product ON usage_records(product_id)",
	"CREATE INDEX idx_usage_lot ON usage_records(lot_id)",
	"CREATE INDEX idx_usage_order_ref ON usage_records(order_ref) WHERE order_ref IS NOT NULL",
	"CREATE INDEX idx_usage_created_at ON usage_records(created_at)",
}

const insertBatchSize = 200

// RebuildStats counts what the rebuild did. The counters are atomics so
// the status surface can read them while the rebuild runs.
type RebuildStats struct {
	Scanned     atomic.Int64
	Migrated    atomic.Int64
	Skipped     atomic.Int64
	LotsCreated atomic.Int64
}

// TableRebuilder performs the shadow-table rebuild.
type TableRebuilder struct {
	mc    *Context
	stats *RebuildStats
}

// NewTableRebuilder returns a rebuilder writing its counters into stats.
func NewTableRebuilder(mc *Context, stats *RebuildStats) *TableRebuilder {
	return &TableRebuilder{mc: mc, stats: stats}
}

type legacyRow struct {
	id        int64
	itemRef   string
	quantity  int64
	orderRef  sql.NullString
	createdAt string
}

type normalizedRow struct {
	id        int64
	rawRef    string
	productID int64
	lotID     sql.NullInt64
	quantity  int64
	orderRef  sql.NullString
	createdAt string
}

// Rebuild runs all five steps inside tx. On error the caller rolls the
// transaction back and the legacy table is untouched.
func (r *TableRebuilder) Rebuild(ctx context.Context, tx *sql.Tx) error {
	log := r.mc.Log.Logger

	if _, err := tx.ExecContext(ctx, shadowSchema); err != nil {
		return fmt.Errorf("failed to create shadow table: %w", err)
	}

	resolver, err := catalog.NewResolver(ctx, tx, log)
	if err != nil {
		return err
	}

	rows, err := r.readLegacyRows(ctx, tx)
	if err != nil {
		return err
	}
	log.Info().Int("rows", len(rows)).Msg("legacy usage records loaded")

	batch := make([]normalizedRow, 0, insertBatchSize)
	for _, src := range rows {
		r.stats.Scanned.Add(1)

		out, ok := r.transform(ctx, resolver, src)
		if !ok {
			continue
		}
		batch = append(batch, out)
		if len(batch) == insertBatchSize {
			if err := insertBatch(ctx, tx, batch); err != nil {
				return err
			}
			r.stats.Migrated.Add(int64(len(batch)))
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := insertBatch(ctx, tx, batch); err != nil {
			return err
		}
		r.stats.Migrated.Add(int64(len(batch)))
	}
	r.stats.LotsCreated.Store(int64(resolver.LotsCreated()))

	if _, err := tx.ExecContext(ctx, "DROP TABLE usage_records"); err != nil {
		return fmt.Errorf("failed to drop legacy table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE usage_records_new RENAME TO usage_records"); err != nil {
		return fmt.Errorf("failed to rename shadow table: %w", err)
	}
	for _, idx := range secondaryIndexes {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to recreate index: %w", err)
		}
	}

	log.Info().
		Int64("migrated", r.stats.Migrated.Load()).
		Int64("skipped", r.stats.Skipped.Load()).
		Int64("lots_created", r.stats.LotsCreated.Load()).
		Msg("shadow table renamed into place")
	return nil
}

// readLegacyRows materializes the legacy table in insertion order. The
// whole set is read before any insert so the transformation loop is free
// to write through the same transaction.
func (r *TableRebuilder) readLegacyRows(ctx context.Context, tx *sql.Tx) ([]legacyRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, item_ref, quantity, order_ref, created_at
		FROM usage_records
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy usage records: %w", err)
	}
	defer rows.Close()

	var out []legacyRow
	for rows.Next() {
		var lr legacyRow
		if err := rows.Scan(&lr.id, &lr.itemRef, &lr.quantity, &lr.orderRef, &lr.createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan legacy row: %w", err)
		}
		out = append(out, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read legacy usage records: %w", err)
	}
	return out, nil
}

// transform maps one legacy row to its normalized form. The second return
// is false when the row was skipped; the skip is already counted and
// logged by the time transform returns.
func (r *TableRebuilder) transform(ctx context.Context, resolver *catalog.Resolver, src legacyRow) (normalizedRow, bool) {
	res := parse.ItemRef(src.itemRef)
	if !res.Valid {
		r.skip(src, res.Reason)
		return normalizedRow{}, false
	}
	if src.quantity <= 0 {
		r.skip(src, fmt.Sprintf("non-positive quantity %d", src.quantity))
		return normalizedRow{}, false
	}

	productID, ok := resolver.ProductID(res.Base)
	if !ok {
		r.skip(src, fmt.Sprintf("product code %q not in catalog", res.Base))
		return normalizedRow{}, false
	}

	out := normalizedRow{
		id:        src.id,
		rawRef:    src.itemRef,
		productID: productID,
		quantity:  src.quantity,
		orderRef:  src.orderRef,
		createdAt: src.createdAt,
	}
	if res.HasSub {
		lotID, err := resolver.LotID(ctx, productID, res.Sub)
		if err != nil {
			// Lazy creation failing is a store problem, not a data
			// problem; still handled as a skip so one row cannot
			// sink the run.
			r.skip(src, fmt.Sprintf("failed to resolve lot %q: %v", res.Sub, err))
			return normalizedRow{}, false
		}
		out.lotID = sql.NullInt64{Int64: lotID, Valid: true}
	}
	return out, true
}

func (r *TableRebuilder) skip(src legacyRow, reason string) {
	r.stats.Skipped.Add(1)
	r.mc.Log.Record(CategoryValidationFailure)
	r.mc.Log.Logger.Warn().
		Int64("row_id", src.id).
		Str("item_ref", src.itemRef).
		Str("reason", reason).
		Msg("row skipped")
}

func insertBatch(ctx context.Context, tx *sql.Tx, batch []normalizedRow) error {
	var (
		sb   strings.Builder
		args = make([]any, 0, len(batch)*7)
	)
	sb.WriteString("INSERT INTO usage_records_new (id, raw_ref, product_id, lot_id, quantity, order_ref, created_at) VALUES ")
	for i, row := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, row.id, row.rawRef, row.productID, row.lotID, row.quantity, row.orderRef, row.createdAt)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert normalized rows: %w", err)
	}
	return nil
}
