package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type lotKey struct {
	productID int64
	code      string
}

// Resolver answers catalog lookups inside the rebuild transaction. It
// preloads both catalogs into memory once, so resolving millions of fact
// rows costs no queries, and lazily creates lots the prework population
// never saw. All writes go through the supplied transaction; nothing is
// visible outside it until the rebuild commits.
type Resolver struct {
	tx          *sql.Tx
	log         zerolog.Logger
	products    map[string]int64
	lots        map[lotKey]int64
	lotsCreated int
}

// NewResolver loads both catalogs through tx.
func NewResolver(ctx context.Context, tx *sql.Tx, log zerolog.Logger) (*Resolver, error) {
	r := &Resolver{
		tx:       tx,
		log:      log,
		products: make(map[string]int64),
		lots:     make(map[lotKey]int64),
	}

	rows, err := tx.QueryContext(ctx, "SELECT product_id, code FROM products")
	if err != nil {
		return nil, fmt.Errorf("failed to load product catalog: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var code string
		if err := rows.Scan(&id, &code); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		r.products[code] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load product catalog: %w", err)
	}

	lotRows, err := tx.QueryContext(ctx, "SELECT lot_id, product_id, lot_code FROM lots")
	if err != nil {
		return nil, fmt.Errorf("failed to load lot catalog: %w", err)
	}
	defer lotRows.Close()
	for lotRows.Next() {
		var id, productID int64
		var code string
		if err := lotRows.Scan(&id, &productID, &code); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		r.lots[lotKey{productID, code}] = id
	}
	if err := lotRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load lot catalog: %w", err)
	}

	return r, nil
}

// ProductID resolves a product code. The second return is false when the
// code is not in the catalog; the caller treats that as a skippable row,
// not an error.
func (r *Resolver) ProductID(code string) (int64, bool) {
	id, ok := r.products[code]
	return id, ok
}

// LotID resolves a (product, lot code) pair, creating the lot on first
// sight. A lot that reaches the fact table without a receipt record is a
// data-quality signal worth a log line, never a reason to drop the row.
func (r *Resolver) LotID(ctx context.Context, productID int64, lotCode string) (int64, error) {
	key := lotKey{productID, lotCode}
	if id, ok := r.lots[key]; ok {
		return id, nil
	}

	res, err := r.tx.ExecContext(ctx, `
		INSERT INTO lots (product_id, lot_code, status, created_at)
		VALUES (?, ?, ?, ?)`,
		productID, lotCode, string(LotActive), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create lot %s for product %d: %w", lotCode, productID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new lot id: %w", err)
	}

	r.lots[key] = id
	r.lotsCreated++
	r.log.Info().
		Int64("product_id", productID).
		Str("lot_code", lotCode).
		Int64("lot_id", id).
		Msg("created lot unseen by prework")
	return id, nil
}

// LotsCreated returns how many lots were lazily created.
func (r *Resolver) LotsCreated() int {
	return r.lotsCreated
}
