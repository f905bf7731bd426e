// Package pipeline runs one scrape batch end to end: normalize raw rows,
// resolve identities, plan against a fresh snapshot and commit the plan.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/reconcile"
	"github.com/kalambet/pricetrail/internal/runlock"
	"github.com/kalambet/pricetrail/internal/source"
)

// DefaultCommitRetries is how many times a conflicting commit is re-planned.
const DefaultCommitRetries = 3

// Store is the history store a Runner commits to.
type Store interface {
	HasRun(ctx context.Context, runAt time.Time) (bool, error)
	LoadSnapshot(ctx context.Context) (reconcile.Snapshot, error)
	ApplyPlan(ctx context.Context, plan *reconcile.Plan) error
}

// LockFunc takes the writer lock and returns its release function.
type LockFunc func(ctx context.Context) (release func() error, err error)

// Request is one run's input.
type Request struct {
	// RunAt identifies the run; zero means now.
	RunAt  time.Time
	Rows   []features.RawRecord
	DryRun bool
}

// Result summarizes a run.
type Result struct {
	RunID            string                  `json:"run_id,omitempty"`
	RunAt            time.Time               `json:"run_at"`
	RowsInput        int                     `json:"rows_input"`
	Dropped          int                     `json:"dropped"`
	Records          int                     `json:"records"`
	Truncated        bool                    `json:"truncated"`
	Stats            reconcile.Stats         `json:"stats"`
	Issues           []reconcile.Issue       `json:"issues,omitempty"`
	Entries          []reconcile.ChangeEntry `json:"-"`
	Writes           int                     `json:"writes"`
	Attempts         int                     `json:"attempts"`
	DryRun           bool                    `json:"dry_run"`
	AlreadyCommitted bool                    `json:"already_committed"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithCommitRetries sets how many conflicting commits are re-planned.
func WithCommitRetries(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithResolver replaces the default identity resolver.
func WithResolver(res *identity.Resolver) Option { return func(r *Runner) { r.resolver = res } }

// WithLock makes committing runs hold the writer lock.
func WithLock(fn LockFunc) Option { return func(r *Runner) { r.lock = fn } }

// Runner executes runs against one store.
type Runner struct {
	store      Store
	reconciler *reconcile.Reconciler
	extractor  *features.Extractor
	resolver   *identity.Resolver
	lock       LockFunc
	retries    int
	logger     *slog.Logger
}

// NewRunner wires a Runner to store and reconciler.
func NewRunner(store Store, rec *reconcile.Reconciler, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		reconciler: rec,
		extractor:  features.NewExtractor(),
		resolver:   identity.NewResolver(identity.DefaultMinKnown),
		retries:    DefaultCommitRetries,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Records normalizes raw rows into reconciler input, in row order.
func (r *Runner) Records(rows []features.RawRecord) []reconcile.Record {
	out := make([]reconcile.Record, 0, len(rows))
	for _, raw := range rows {
		fs := r.extractor.Extract(raw)
		res := r.resolver.Resolve(fs, raw.Name)
		out = append(out, reconcile.Record{
			ProductID:     res.ID,
			RawName:       raw.Name,
			Features:      fs,
			LowConfidence: res.LowConfidence,
			ScrapedAt:     raw.ScrapedAt,
		})
	}
	return out
}

// Run executes req. A run already in the ledger is reported through
// Result.AlreadyCommitted, not as an error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	runAt = runAt.UTC().Truncate(time.Second)

	rows, dropped := source.Clean(req.Rows)
	records := r.Records(rows)
	res := &Result{RunAt: runAt, RowsInput: len(req.Rows), Dropped: dropped, DryRun: req.DryRun}
	if dropped > 0 {
		r.logger.Warn("dropped rows without a product name", "run_at", runAt, "dropped", dropped)
	}

	if !req.DryRun {
		done, err := r.store.HasRun(ctx, runAt)
		if err != nil {
			return nil, err
		}
		if done {
			r.logger.Info("run already committed", "run_at", runAt)
			res.AlreadyCommitted = true
			return res, nil
		}

		if r.lock != nil {
			release, err := r.lock(ctx)
			if err != nil {
				if errors.Is(err, runlock.ErrLocked) {
					return nil, fmt.Errorf("%w: another run's commit is in progress: %v", reconcile.ErrCommitConflict, err)
				}
				return nil, err
			}
			defer func() {
				if err := release(); err != nil {
					r.logger.Warn("releasing writer lock", "error", err)
				}
			}()
		}
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		snap, err := r.store.LoadSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		plan, err := r.reconciler.Plan(ctx, snap, runAt, records)
		if err != nil {
			return nil, err
		}
		fill(res, plan)
		if req.DryRun {
			return res, nil
		}

		err = r.store.ApplyPlan(ctx, plan)
		switch {
		case err == nil:
			r.logCommitted(res)
			return res, nil
		case errors.Is(err, reconcile.ErrAlreadyCommitted):
			res.AlreadyCommitted = true
			return res, nil
		case errors.Is(err, reconcile.ErrCommitConflict) && attempt <= r.retries:
			r.logger.Warn("commit conflict, re-planning", "run_at", runAt, "attempt", attempt, "error", err)
			continue
		default:
			return nil, fmt.Errorf("committing run %s: %w", runAt.Format(time.RFC3339), err)
		}
	}
}

func fill(res *Result, plan *reconcile.Plan) {
	res.RunID = plan.RunID
	res.Records = plan.Records
	res.Truncated = plan.Truncated
	res.Stats = plan.Stats
	res.Issues = plan.Issues
	res.Entries = plan.Entries
	res.Writes = plan.Writes()
}

func (r *Runner) logCommitted(res *Result) {
	s := res.Stats
	r.logger.Info("run committed",
		"run_id", res.RunID,
		"run_at", res.RunAt,
		"records", res.Records,
		"new", s.New,
		"price_up", s.PriceUp,
		"price_down", s.PriceDown,
		"attr_changed", s.AttrChanged,
		"unchanged", s.Unchanged,
		"disappeared", s.Disappeared,
		"writes", res.Writes,
	)
	for _, is := range res.Issues {
		r.logger.Warn("run issue", "kind", is.Kind, "product_id", is.ProductID, "message", is.Message)
	}
}
