package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/reconcile"
)

const versionColumns = `v.version_id, v.product_id, v.raw_name, v.brand, v.series,
	v.processor_detail, v.processor_category, v.gpu, v.gpu_category, v.ram, v.storage,
	v.display_size, v.price_numeric, v.low_confidence, v.valid_from, v.valid_to,
	v.is_current, v.run_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanVersion reads versionColumns followed by any extra destinations.
func scanVersion(sc rowScanner, extra ...any) (reconcile.VersionRecord, error) {
	var (
		v         reconcile.VersionRecord
		f         features.FeatureSet
		productID string
		price     sql.NullInt64
		low, cur  int
		validFrom string
		validTo   sql.NullString
	)
	dest := []any{
		&v.VersionID, &productID, &v.RawName, &f.Brand, &f.Series,
		&f.ProcessorDetail, &f.ProcessorCategory, &f.GPU, &f.GPUCategory, &f.RAM, &f.Storage,
		&f.DisplaySize, &price, &low, &validFrom, &validTo,
		&cur, &v.RunID,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return v, err
	}

	f.Price = features.Price{Value: price.Int64, Valid: price.Valid}
	v.Features = f
	v.ProductID = identity.ProductID(productID)
	v.LowConfidence = low != 0
	v.IsCurrent = cur != 0

	t, err := parseTime(validFrom)
	if err != nil {
		return v, fmt.Errorf("parsing valid_from: %w", err)
	}
	v.ValidFrom = t
	if validTo.Valid {
		t, err := parseTime(validTo.String)
		if err != nil {
			return v, fmt.Errorf("parsing valid_to: %w", err)
		}
		v.ValidTo = &t
	}
	return v, nil
}

// LoadSnapshot reads the current-state table and ledger position in one
// transaction so the reconciler sees a consistent view.
func (s *Store) LoadSnapshot(ctx context.Context) (reconcile.Snapshot, error) {
	snap := reconcile.EmptySnapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snap, fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+versionColumns+`, c.missed_runs
		FROM products_current c
		JOIN product_versions v ON v.version_id = c.version_id`)
	if err != nil {
		return snap, fmt.Errorf("querying current state: %w", err)
	}
	for rows.Next() {
		var missed int
		v, err := scanVersion(rows, &missed)
		if err != nil {
			rows.Close()
			return snap, fmt.Errorf("scanning current state: %w", err)
		}
		snap.Current[v.ProductID] = reconcile.CurrentRecord{Version: v, MissedRuns: missed}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return snap, err
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		SELECT DISTINCT product_id FROM product_versions
		WHERE product_id NOT IN (SELECT product_id FROM products_current)`)
	if err != nil {
		return snap, fmt.Errorf("querying retired products: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Retired[identity.ProductID(id)] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return snap, err
	}
	rows.Close()

	gen, lastRunAt, err := ledgerHead(ctx, tx)
	if err != nil {
		return snap, err
	}
	snap.Generation = gen
	if lastRunAt != "" {
		t, err := parseTime(lastRunAt)
		if err != nil {
			return snap, fmt.Errorf("parsing last run_at: %w", err)
		}
		snap.LastRunAt = t
	}

	err = tx.QueryRowContext(ctx,
		`SELECT records FROM runs WHERE truncated = 0 ORDER BY seq DESC LIMIT 1`,
	).Scan(&snap.Baseline)
	if err != nil && err != sql.ErrNoRows {
		return snap, fmt.Errorf("reading baseline: %w", err)
	}

	return snap, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ledgerHead returns the latest ledger sequence and run_at, or 0 and "".
func ledgerHead(ctx context.Context, q querier) (int64, string, error) {
	var (
		seq   int64
		runAt string
	)
	err := q.QueryRowContext(ctx, `SELECT seq, run_at FROM runs ORDER BY seq DESC LIMIT 1`).Scan(&seq, &runAt)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("reading run ledger: %w", err)
	}
	return seq, runAt, nil
}
