package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pricetrail/internal/identity"
)

// Defaults for Options fields left at zero.
const (
	DefaultMissedRunThreshold = 3
	DefaultWorkers            = 4
)

// Options tunes a Reconciler.
type Options struct {
	// MissedRunThreshold is the number of consecutive absent runs after which a
	// product is closed as DISAPPEARED.
	MissedRunThreshold int
	// TruncationRatio: a batch smaller than this fraction of the baseline run
	// skips missed-run bookkeeping. Zero or negative disables the ratio check;
	// an empty batch is always treated as truncated.
	TruncationRatio     float64
	Workers             int
	DuplicateSimilarity float64
}

func (o Options) withDefaults() Options {
	if o.MissedRunThreshold < 1 {
		o.MissedRunThreshold = DefaultMissedRunThreshold
	}
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}
	if o.DuplicateSimilarity <= 0 || o.DuplicateSimilarity > 1 {
		o.DuplicateSimilarity = DefaultDuplicateSimilarity
	}
	return o
}

// Reconciler plans history updates. It holds no state between runs.
type Reconciler struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Reconciler; zero option fields take their defaults.
func New(opts Options) *Reconciler {
	return &Reconciler{opts: opts.withDefaults(), logger: slog.Default()}
}

// Options returns the effective options.
func (r *Reconciler) Options() Options {
	return r.opts
}

// Plan computes the write set that brings snap up to date with batch. It has no
// side effects and may be retried freely.
func (r *Reconciler) Plan(ctx context.Context, snap Snapshot, runAt time.Time, batch []Record) (*Plan, error) {
	runAt = runAt.UTC().Truncate(time.Second)
	if !snap.LastRunAt.IsZero() && !runAt.After(snap.LastRunAt) {
		return nil, fmt.Errorf("%w: %s <= %s", ErrRunOutOfOrder,
			runAt.Format(time.RFC3339), snap.LastRunAt.UTC().Format(time.RFC3339))
	}

	plan := &Plan{
		RunID:          uuid.NewString(),
		RunAt:          runAt,
		BaseGeneration: snap.Generation,
		RowsInput:      len(batch),
	}

	// 0. One record per product id; collisions are held back for review.
	c := collapse(batch)
	plan.Records = len(c.records) + len(c.collided)
	plan.Issues = append(plan.Issues, c.issues...)
	plan.Stats.Duplicates = c.dups
	plan.Stats.Collisions = len(c.collided)
	for _, is := range c.issues {
		r.logger.Warn("identity collision", "run_at", runAt, "product_id", is.ProductID, "detail", is.Message)
	}

	seen := make(map[identity.ProductID]bool, plan.Records)
	for _, rec := range c.records {
		seen[rec.ProductID] = true
	}
	for id := range c.collided {
		seen[id] = true
	}

	// 1-3. Classify each record against the snapshot in parallel.
	dups := newDuplicateIndex(snap, seen, r.opts.DuplicateSimilarity)
	decisions := make([]decision, len(c.records))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, rec := range c.records {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			var old *CurrentRecord
			if cur, ok := snap.Current[rec.ProductID]; ok {
				old = &cur
			}
			decisions[i] = classify(old, rec, snap.Retired[rec.ProductID], dups)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("classifying batch: %w", err)
	}

	for i, rec := range c.records {
		r.assemble(plan, snap, rec, decisions[i])
	}

	// 4. Missed-run bookkeeping, unless the batch looks truncated.
	if r.truncated(plan.Records, snap.Baseline) {
		plan.Truncated = true
		plan.Issues = append(plan.Issues, Issue{
			Kind:    IssueBatchTruncated,
			Message: fmt.Sprintf("batch has %d records against a baseline of %d; missed-run bookkeeping skipped", plan.Records, snap.Baseline),
			Details: map[string]any{
				"records":  plan.Records,
				"baseline": snap.Baseline,
				"ratio":    r.opts.TruncationRatio,
			},
		})
		r.logger.Warn("batch truncated", "run_at", runAt, "records", plan.Records, "baseline", snap.Baseline)
	} else {
		r.bookMissed(plan, snap, seen)
	}

	return plan, nil
}

// truncated reports whether a batch of n records is too small to trust.
func (r *Reconciler) truncated(n, baseline int) bool {
	if n == 0 {
		return true
	}
	if r.opts.TruncationRatio <= 0 || baseline == 0 {
		return false
	}
	return float64(n) < r.opts.TruncationRatio*float64(baseline)
}

// assemble turns one decision into plan writes.
func (r *Reconciler) assemble(plan *Plan, snap Snapshot, rec Record, d decision) {
	old, seenBefore := snap.Current[rec.ProductID]

	if d.closeVersion {
		plan.Closes = append(plan.Closes, Closure{VersionID: old.Version.VersionID, ProductID: rec.ProductID})
	}

	var versionID string
	if d.openVersion {
		versionID = uuid.NewString()
		plan.Opens = append(plan.Opens, VersionRecord{
			VersionID:     versionID,
			ProductID:     rec.ProductID,
			RawName:       rec.RawName,
			Features:      rec.Features,
			LowConfidence: rec.LowConfidence,
			ValidFrom:     plan.RunAt,
			IsCurrent:     true,
			RunID:         plan.RunID,
		})
	}

	switch {
	case !seenBefore:
		plan.CurrentOps = append(plan.CurrentOps, CurrentOp{
			Kind: OpInsert, ProductID: rec.ProductID, VersionID: versionID,
		})
	case d.openVersion:
		plan.CurrentOps = append(plan.CurrentOps, CurrentOp{
			Kind: OpReplace, ProductID: rec.ProductID, VersionID: versionID,
			PrevVersionID: old.Version.VersionID, PrevMissedRuns: old.MissedRuns,
		})
	case d.resetMissed:
		plan.CurrentOps = append(plan.CurrentOps, CurrentOp{
			Kind: OpSetMissed, ProductID: rec.ProductID,
			PrevVersionID: old.Version.VersionID, PrevMissedRuns: old.MissedRuns,
		})
	}

	cur := rec.Features
	plan.Entries = append(plan.Entries, ChangeEntry{
		ID:            uuid.NewString(),
		RunAt:         plan.RunAt,
		ProductID:     rec.ProductID,
		Type:          d.change,
		Previous:      d.previous,
		Current:       &cur,
		PriceDelta:    d.priceDelta,
		ChangedFields: d.changedFields,
		LowConfidence: rec.LowConfidence,
		DuplicateOf:   d.duplicateOf,
		Reappeared:    d.reappeared,
	})
	plan.Stats.count(d.change)
	if rec.LowConfidence {
		plan.Stats.LowConfidence++
	}
}

// bookMissed advances the missed-run counter of every live product absent from
// the batch and closes those that reach the threshold.
func (r *Reconciler) bookMissed(plan *Plan, snap Snapshot, seen map[identity.ProductID]bool) {
	ids := make([]identity.ProductID, 0, len(snap.Current))
	for id := range snap.Current {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		old := snap.Current[id]
		missed := old.MissedRuns + 1
		if missed < r.opts.MissedRunThreshold {
			plan.Stats.Missed++
			plan.CurrentOps = append(plan.CurrentOps, CurrentOp{
				Kind: OpSetMissed, ProductID: id, MissedRuns: missed,
				PrevVersionID: old.Version.VersionID, PrevMissedRuns: old.MissedRuns,
			})
			continue
		}

		prev := old.Version.Features
		plan.Closes = append(plan.Closes, Closure{VersionID: old.Version.VersionID, ProductID: id})
		plan.CurrentOps = append(plan.CurrentOps, CurrentOp{
			Kind: OpRemove, ProductID: id, MissedRuns: missed,
			PrevVersionID: old.Version.VersionID, PrevMissedRuns: old.MissedRuns,
		})
		plan.Entries = append(plan.Entries, ChangeEntry{
			ID:            uuid.NewString(),
			RunAt:         plan.RunAt,
			ProductID:     id,
			Type:          ChangeDisappeared,
			Previous:      &prev,
			LowConfidence: old.Version.LowConfidence,
		})
		plan.Stats.count(ChangeDisappeared)
	}
}
