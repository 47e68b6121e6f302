/*
validate.go - Post-rebuild invariant checks gating the commit

PURPOSE:
  After the shadow table has been renamed into place but before the
  transaction commits, a fixed battery of six checks runs against the
  still-open transaction. Checks 1-3 and 6 are hard gates; 4 and 5 are
  advisory. Any hard failure vetoes the commit outright. On top of that,
  the run commits only when at least MinPassingChecks of the six passed
  by their actual result, so a strict threshold of 6 also demands both
  advisories hold.

THE BATTERY:
  1. foreign keys enforced     insert a dangling product reference and
                               expect the engine to reject it
  2. no orphaned references    zero rows whose product is missing or
                               whose lot belongs to a different product
  3. uniqueness enforced       insert a duplicate (order_ref, raw_ref)
                               pair and expect rejection
  4. recent activity           advisory: warn when the current month has
                               no rows at all
  5. no suspicious dates       advisory: warn on rows dated before the
                               system existed or in the future
  6. structural integrity      PRAGMA integrity_check on the whole store

  The two probes (1 and 3) deliberately attempt a bad write: a rejected
  statement inside an open transaction does not roll the transaction back,
  it only fails, which is exactly the behavior being verified.
*/
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/packhouse/stockline/store/sqlite"
)

// checkCount is the size of the battery.
const checkCount = 6

// DefaultMinPassingChecks is the commit gate used when the config does not
// override it: every hard check plus at least one of the two advisories.
const DefaultMinPassingChecks = 5

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string
	Passed   bool
	Advisory bool
	Detail   string
}

// IntegrityValidator runs the battery.
type IntegrityValidator struct {
	mc *Context
}

// NewIntegrityValidator returns a validator bound to the run context.
func NewIntegrityValidator(mc *Context) *IntegrityValidator {
	return &IntegrityValidator{mc: mc}
}

// Validate runs all six checks in order and applies the gate. A non-nil
// error wraps ErrIntegrityFailure and means the transaction must be rolled
// back; the results are returned either way for the run log.
func (v *IntegrityValidator) Validate(ctx context.Context, tx *sql.Tx) ([]CheckResult, error) {
	results := []CheckResult{
		v.checkForeignKeysEnforced(ctx, tx),
		v.checkNoOrphans(ctx, tx),
		v.checkUniquenessEnforced(ctx, tx),
		v.checkRecentActivity(ctx, tx),
		v.checkHistoricalDates(ctx, tx),
		v.checkStructuralIntegrity(ctx, tx),
	}

	passed := 0
	var hardFailure *CheckResult
	for i := range results {
		res := &results[i]
		ev := v.mc.Log.Logger.Info()
		if !res.Passed {
			ev = v.mc.Log.Logger.Warn()
		}
		ev.Str("check", res.Name).Bool("passed", res.Passed).
			Bool("advisory", res.Advisory).Str("detail", res.Detail).
			Msg("integrity check")

		if res.Passed {
			passed++
		}
		if !res.Passed && !res.Advisory && hardFailure == nil {
			hardFailure = res
		}
	}

	minPass := v.mc.Cfg.MinPassingChecks
	if minPass == 0 {
		minPass = DefaultMinPassingChecks
	}

	if hardFailure != nil {
		v.mc.Log.Record(CategoryIntegrityFailure)
		return results, &IntegrityError{Check: hardFailure.Name, Detail: hardFailure.Detail}
	}
	if passed < minPass {
		v.mc.Log.Record(CategoryIntegrityFailure)
		return results, &IntegrityError{
			Check:  "minimum passing checks",
			Detail: fmt.Sprintf("only %d of %d checks passed, need %d", passed, checkCount, minPass),
		}
	}
	return results, nil
}

// checkForeignKeysEnforced probes that a dangling product reference is
// rejected. If the insert is accepted, enforcement is off and the row is
// removed before reporting the failure.
func (v *IntegrityValidator) checkForeignKeysEnforced(ctx context.Context, tx *sql.Tx) CheckResult {
	res := CheckResult{Name: "foreign keys enforced"}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, raw_ref, product_id, quantity, order_ref, created_at)
		VALUES (-1, 'fk-probe', -424242, 1, NULL, ?)`,
		time.Now().UTC().Format(time.RFC3339))
	switch {
	case err == nil:
		tx.ExecContext(ctx, "DELETE FROM usage_records WHERE id = -1")
		res.Detail = "dangling product reference was accepted"
	case sqlite.IsForeignKeyErr(err):
		res.Passed = true
		res.Detail = "dangling reference rejected"
	default:
		res.Detail = fmt.Sprintf("probe failed unexpectedly: %v", err)
	}
	return res
}

// checkNoOrphans verifies every row's product exists and every lot belongs
// to the row's product.
func (v *IntegrityValidator) checkNoOrphans(ctx context.Context, tx *sql.Tx) CheckResult {
	res := CheckResult{Name: "no orphaned references"}

	var orphans int64
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM usage_records u
		LEFT JOIN products p ON p.product_id = u.product_id
		LEFT JOIN lots l ON l.lot_id = u.lot_id
		WHERE p.product_id IS NULL
		   OR (u.lot_id IS NOT NULL AND (l.lot_id IS NULL OR l.product_id != u.product_id))
	`).Scan(&orphans)
	if err != nil {
		res.Detail = fmt.Sprintf("orphan query failed: %v", err)
		return res
	}
	if orphans > 0 {
		res.Detail = fmt.Sprintf("%d orphaned rows", orphans)
		return res
	}
	res.Passed = true
	res.Detail = "0 orphaned rows"
	return res
}

// checkUniquenessEnforced probes that a duplicate (order_ref, raw_ref)
// pair is rejected, using an existing row with a non-null order_ref as the
// template. A store with no such rows has nothing to probe and passes.
func (v *IntegrityValidator) checkUniquenessEnforced(ctx context.Context, tx *sql.Tx) CheckResult {
	res := CheckResult{Name: "uniqueness enforced"}

	var (
		rawRef   string
		orderRef string
	)
	err := tx.QueryRowContext(ctx,
		"SELECT raw_ref, order_ref FROM usage_records WHERE order_ref IS NOT NULL LIMIT 1",
	).Scan(&rawRef, &orderRef)
	if err == sql.ErrNoRows {
		res.Passed = true
		res.Detail = "no rows with order references to probe"
		return res
	}
	if err != nil {
		res.Detail = fmt.Sprintf("probe setup failed: %v", err)
		return res
	}

	var productID int64
	if err := tx.QueryRowContext(ctx, "SELECT product_id FROM products LIMIT 1").Scan(&productID); err != nil {
		res.Detail = fmt.Sprintf("probe setup failed: %v", err)
		return res
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, raw_ref, product_id, quantity, order_ref, created_at)
		VALUES (-2, ?, ?, 1, ?, ?)`,
		rawRef, productID, orderRef, time.Now().UTC().Format(time.RFC3339))
	switch {
	case err == nil:
		tx.ExecContext(ctx, "DELETE FROM usage_records WHERE id = -2")
		res.Detail = fmt.Sprintf("duplicate (%s, %s) was accepted", orderRef, rawRef)
	case sqlite.IsUniqueConstraintErr(err):
		res.Passed = true
		res.Detail = "duplicate pair rejected"
	default:
		res.Detail = fmt.Sprintf("probe failed unexpectedly: %v", err)
	}
	return res
}

// checkRecentActivity warns when the current month is empty. A store
// migrated right after month rollover legitimately trips this.
func (v *IntegrityValidator) checkRecentActivity(ctx context.Context, tx *sql.Tx) CheckResult {
	res := CheckResult{Name: "recent activity", Advisory: true}

	monthStart := time.Now().UTC().Format("2006-01") + "-01"
	var count int64
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM usage_records WHERE created_at >= ?", monthStart,
	).Scan(&count)
	if err != nil {
		res.Detail = fmt.Sprintf("query failed: %v", err)
		return res
	}
	if count == 0 {
		res.Detail = "no rows in the current month"
		return res
	}
	res.Passed = true
	res.Detail = fmt.Sprintf("%d rows this month", count)
	return res
}

// checkHistoricalDates warns on rows dated before the system existed or in
// the future.
func (v *IntegrityValidator) checkHistoricalDates(ctx context.Context, tx *sql.Tx) CheckResult {
	res := CheckResult{Name: "no suspicious dates", Advisory: true}

	tomorrow := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	var count int64
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM usage_records WHERE created_at < '2000-01-01' OR created_at > ?",
		tomorrow,
	).Scan(&count)
	if err != nil {
		res.Detail = fmt.Sprintf("query failed: %v", err)
		return res
	}
	if count > 0 {
		res.Detail = fmt.Sprintf("%d rows with suspicious dates", count)
		return res
	}
	res.Passed = true
	res.Detail = "all dates plausible"
	return res
}

func (v *IntegrityValidator) checkStructuralIntegrity(ctx context.Context, tx *sql.Tx) CheckResult {
	res := CheckResult{Name: "structural integrity"}
	if err := sqlite.IntegrityCheck(ctx, tx); err != nil {
		res.Detail = err.Error()
		return res
	}
	res.Passed = true
	res.Detail = "ok"
	return res
}
