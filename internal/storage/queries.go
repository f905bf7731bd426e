package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/reconcile"
)

const runColumns = `seq, run_id, run_at, rows_input, records, truncated, stats_json, committed_at`

func scanRun(sc rowScanner) (RunSummary, error) {
	var (
		r                  RunSummary
		runAt, committedAt string
		truncated          int
		stats              string
	)
	if err := sc.Scan(&r.Seq, &r.RunID, &runAt, &r.RowsInput, &r.Records, &truncated, &stats, &committedAt); err != nil {
		return r, err
	}
	r.Truncated = truncated != 0
	var err error
	if r.RunAt, err = parseTime(runAt); err != nil {
		return r, fmt.Errorf("parsing run_at: %w", err)
	}
	if r.CommittedAt, err = parseTime(committedAt); err != nil {
		return r, fmt.Errorf("parsing committed_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
		return r, fmt.Errorf("decoding run stats: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRun returns the most recent run or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context) (RunSummary, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return RunSummary{}, ErrNotFound
	}
	return r, err
}

// Run returns the ledger row for runAt or ErrNotFound.
func (s *Store) Run(ctx context.Context, runAt time.Time) (RunSummary, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_at = ?`, formatTime(runAt)))
	if err == sql.ErrNoRows {
		return RunSummary{}, ErrNotFound
	}
	return r, err
}

const entryColumns = `entry_id, run_at, product_id, change_type, previous_json, current_json,
	price_delta, low_confidence, duplicate_of, details_json`

func scanEntry(sc rowScanner) (reconcile.ChangeEntry, error) {
	var (
		e               reconcile.ChangeEntry
		runAt, pid, typ string
		prev, cur, dup  sql.NullString
		low             int
		details         string
	)
	if err := sc.Scan(&e.ID, &runAt, &pid, &typ, &prev, &cur, &e.PriceDelta, &low, &dup, &details); err != nil {
		return e, err
	}
	t, err := parseTime(runAt)
	if err != nil {
		return e, fmt.Errorf("parsing run_at: %w", err)
	}
	e.RunAt = t
	e.ProductID = identity.ProductID(pid)
	e.Type = reconcile.ChangeType(typ)
	e.LowConfidence = low != 0
	e.DuplicateOf = identity.ProductID(dup.String)

	if e.Previous, err = unmarshalFeatures(prev); err != nil {
		return e, err
	}
	if e.Current, err = unmarshalFeatures(cur); err != nil {
		return e, err
	}
	var d entryDetails
	if err := json.Unmarshal([]byte(details), &d); err != nil {
		return e, fmt.Errorf("decoding entry details: %w", err)
	}
	e.ChangedFields = d.ChangedFields
	e.Reappeared = d.Reappeared
	return e, nil
}

func unmarshalFeatures(s sql.NullString) (*features.FeatureSet, error) {
	if !s.Valid {
		return nil, nil
	}
	var f features.FeatureSet
	if err := json.Unmarshal([]byte(s.String), &f); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	return &f, nil
}

func collectEntries(rows *sql.Rows) ([]reconcile.ChangeEntry, error) {
	defer rows.Close()
	var out []reconcile.ChangeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ChangesForRun returns the change log of runAt: everything that changed since
// the previous run, plus UNCHANGED rows when includeUnchanged is set. Returns
// ErrNotFound when the run is not in the ledger.
func (s *Store) ChangesForRun(ctx context.Context, runAt time.Time, includeUnchanged bool) ([]reconcile.ChangeEntry, error) {
	ok, err := s.HasRun(ctx, runAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	query := `SELECT ` + entryColumns + ` FROM change_log WHERE run_at = ?`
	if !includeUnchanged {
		query += ` AND change_type <> 'UNCHANGED'`
	}
	query += ` ORDER BY change_type, product_id`

	rows, err := s.db.QueryContext(ctx, query, formatTime(runAt))
	if err != nil {
		return nil, fmt.Errorf("querying change log: %w", err)
	}
	return collectEntries(rows)
}

// RunIssues returns the data-quality issues recorded with runAt.
func (s *Store) RunIssues(ctx context.Context, runAt time.Time) ([]reconcile.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, product_id, message, details_json FROM run_issues
		WHERE run_at = ? ORDER BY kind, product_id`, formatTime(runAt))
	if err != nil {
		return nil, fmt.Errorf("querying run issues: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Issue
	for rows.Next() {
		var (
			is      reconcile.Issue
			kind    string
			pid     sql.NullString
			details string
		)
		if err := rows.Scan(&kind, &pid, &is.Message, &details); err != nil {
			return nil, err
		}
		is.Kind = reconcile.IssueKind(kind)
		is.ProductID = identity.ProductID(pid.String)
		if err := json.Unmarshal([]byte(details), &is.Details); err != nil {
			return nil, fmt.Errorf("decoding issue details: %w", err)
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// ProductHistory returns every version and change-log entry of id, oldest first.
func (s *Store) ProductHistory(ctx context.Context, id identity.ProductID) (ProductHistory, error) {
	var h ProductHistory

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM product_versions v
		WHERE v.product_id = ? ORDER BY v.valid_from`, string(id))
	if err != nil {
		return h, fmt.Errorf("querying versions: %w", err)
	}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return h, err
		}
		h.Versions = append(h.Versions, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return h, err
	}
	rows.Close()
	if len(h.Versions) == 0 {
		return h, ErrNotFound
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM change_log WHERE product_id = ? ORDER BY run_at`, string(id))
	if err != nil {
		return h, fmt.Errorf("querying change log: %w", err)
	}
	h.Changes, err = collectEntries(rows)
	return h, err
}

// CurrentProducts pages through live products ordered by brand and id.
func (s *Store) CurrentProducts(ctx context.Context, limit, offset int) ([]CurrentProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`, c.missed_runs, c.first_seen_at
		FROM products_current c
		JOIN product_versions v ON v.version_id = c.version_id
		ORDER BY v.brand, v.product_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying current products: %w", err)
	}
	defer rows.Close()

	var out []CurrentProduct
	for rows.Next() {
		var (
			p         CurrentProduct
			firstSeen string
		)
		v, err := scanVersion(rows, &p.MissedRuns, &firstSeen)
		if err != nil {
			return nil, err
		}
		p.VersionRecord = v
		if p.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			return nil, fmt.Errorf("parsing first_seen_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountCurrent returns the number of live products.
func (s *Store) CountCurrent(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products_current`).Scan(&n)
	return n, err
}

// EachVersion streams the whole archive in product and time order.
func (s *Store) EachVersion(ctx context.Context, fn func(reconcile.VersionRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM product_versions v ORDER BY v.product_id, v.valid_from`)
	if err != nil {
		return fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return rows.Err()
}
