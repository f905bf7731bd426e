package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/reconcile"
)

// HasRun reports whether runAt is already in the ledger.
func (s *Store) HasRun(ctx context.Context, runAt time.Time) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_at = ?`, formatTime(runAt)).Scan(&n); err != nil {
		return false, fmt.Errorf("checking run ledger: %w", err)
	}
	return n > 0, nil
}

// ApplyPlan commits plan in a single transaction. It returns
// reconcile.ErrAlreadyCommitted when the run is in the ledger and
// reconcile.ErrCommitConflict when the store moved since the plan's snapshot;
// in both cases nothing is written.
func (s *Store) ApplyPlan(ctx context.Context, plan *reconcile.Plan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		runAt := formatTime(plan.RunAt)

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_at = ?`, runAt).Scan(&exists); err != nil {
			return fmt.Errorf("checking run ledger: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", reconcile.ErrAlreadyCommitted, runAt)
		}

		gen, lastRunAt, err := ledgerHead(ctx, tx)
		if err != nil {
			return err
		}
		if gen != plan.BaseGeneration {
			return fmt.Errorf("%w: ledger at %d, plan computed against %d", reconcile.ErrCommitConflict, gen, plan.BaseGeneration)
		}
		if lastRunAt != "" {
			last, err := parseTime(lastRunAt)
			if err != nil {
				return fmt.Errorf("parsing last run_at: %w", err)
			}
			if !plan.RunAt.After(last) {
				return fmt.Errorf("%w: %s <= %s", reconcile.ErrRunOutOfOrder, runAt, lastRunAt)
			}
		}

		for _, c := range plan.Closes {
			res, err := tx.ExecContext(ctx, `
				UPDATE product_versions SET valid_to = ?, is_current = 0
				WHERE version_id = ? AND is_current = 1`, runAt, c.VersionID)
			if err := expectOne(res, err, "closing version "+c.VersionID); err != nil {
				return err
			}
		}

		for _, v := range plan.Opens {
			f := v.Features
			var price any
			if f.Price.Valid {
				price = f.Price.Value
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO product_versions (version_id, product_id, raw_name, brand, series,
					processor_detail, processor_category, gpu, gpu_category, ram, storage,
					display_size, price_numeric, low_confidence, valid_from, valid_to, is_current, run_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1, ?)`,
				v.VersionID, string(v.ProductID), v.RawName, f.Brand, f.Series,
				f.ProcessorDetail, f.ProcessorCategory, f.GPU, f.GPUCategory, f.RAM, f.Storage,
				f.DisplaySize, price, boolInt(v.LowConfidence), formatTime(v.ValidFrom), v.RunID,
			); err != nil {
				return fmt.Errorf("opening version for %s: %w", v.ProductID, err)
			}
		}

		for _, op := range plan.CurrentOps {
			if err := applyCurrentOp(ctx, tx, op, runAt); err != nil {
				return err
			}
		}

		for _, e := range plan.Entries {
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}

		for _, is := range plan.Issues {
			details, err := json.Marshal(is.Details)
			if err != nil {
				return fmt.Errorf("encoding issue details: %w", err)
			}
			var pid any
			if is.ProductID != "" {
				pid = string(is.ProductID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_issues (issue_id, run_at, kind, product_id, message, details_json)
				VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), runAt, string(is.Kind), pid, is.Message, string(details),
			); err != nil {
				return fmt.Errorf("recording issue: %w", err)
			}
		}

		stats, err := json.Marshal(plan.Stats)
		if err != nil {
			return fmt.Errorf("encoding run stats: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, run_at, rows_input, records, truncated, stats_json, committed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			plan.RunID, runAt, plan.RowsInput, plan.Records, boolInt(plan.Truncated), string(stats),
			formatTime(time.Now()),
		); err != nil {
			return fmt.Errorf("recording run: %w", err)
		}

		// Last chance to abort: after this the run is durable.
		return ctx.Err()
	})
}

func applyCurrentOp(ctx context.Context, tx *sql.Tx, op reconcile.CurrentOp, runAt string) error {
	pid := string(op.ProductID)
	var (
		res sql.Result
		err error
	)
	switch op.Kind {
	case reconcile.OpInsert:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO products_current (product_id, version_id, missed_runs, first_seen_at)
			VALUES (?, ?, 0, ?) ON CONFLICT (product_id) DO NOTHING`,
			pid, op.VersionID, runAt)
	case reconcile.OpReplace:
		res, err = tx.ExecContext(ctx, `
			UPDATE products_current SET version_id = ?, missed_runs = 0
			WHERE product_id = ? AND version_id = ? AND missed_runs = ?`,
			op.VersionID, pid, op.PrevVersionID, op.PrevMissedRuns)
	case reconcile.OpSetMissed:
		res, err = tx.ExecContext(ctx, `
			UPDATE products_current SET missed_runs = ?
			WHERE product_id = ? AND version_id = ? AND missed_runs = ?`,
			op.MissedRuns, pid, op.PrevVersionID, op.PrevMissedRuns)
	case reconcile.OpRemove:
		res, err = tx.ExecContext(ctx, `
			DELETE FROM products_current
			WHERE product_id = ? AND version_id = ? AND missed_runs = ?`,
			pid, op.PrevVersionID, op.PrevMissedRuns)
	default:
		return fmt.Errorf("unknown current-state op %q", op.Kind)
	}
	return expectOne(res, err, fmt.Sprintf("%s current state of %s", op.Kind, pid))
}

func insertEntry(ctx context.Context, tx *sql.Tx, e reconcile.ChangeEntry) error {
	prev, err := marshalFeatures(e.Previous)
	if err != nil {
		return err
	}
	cur, err := marshalFeatures(e.Current)
	if err != nil {
		return err
	}
	details, err := json.Marshal(entryDetails{ChangedFields: e.ChangedFields, Reappeared: e.Reappeared})
	if err != nil {
		return fmt.Errorf("encoding entry details: %w", err)
	}
	var dup any
	if e.DuplicateOf != "" {
		dup = string(e.DuplicateOf)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (entry_id, run_at, product_id, change_type, previous_json,
			current_json, price_delta, low_confidence, duplicate_of, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.RunAt), string(e.ProductID), string(e.Type), prev,
		cur, e.PriceDelta, boolInt(e.LowConfidence), dup, string(details),
	); err != nil {
		return fmt.Errorf("logging %s for %s: %w", e.Type, e.ProductID, err)
	}
	return nil
}

func marshalFeatures(f *features.FeatureSet) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding attributes: %w", err)
	}
	return string(b), nil
}

// expectOne turns a statement that did not touch exactly one row into a commit conflict.
func expectOne(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s affected %d rows", reconcile.ErrCommitConflict, what, n)
	}
	return nil
}

// withTx runs fn in a transaction, committing only when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
