package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kalambet/pricetrail/internal/config"
	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/pipeline"
	"github.com/kalambet/pricetrail/internal/reconcile"
	"github.com/kalambet/pricetrail/internal/runlock"
	"github.com/kalambet/pricetrail/internal/source"
	"github.com/kalambet/pricetrail/internal/storage"
)

// --- run ---

func newRunCmd() *cobra.Command {
	var (
		src    string
		runAt  string
		dryRun bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile one scrape batch into the history",
		Long: `Reconcile one scrape batch into the history.

Examples:
  pricetrail run --source csv:./laptops.csv
  pricetrail run --source sqlite:./laptops.db#products_raw --run-at 2026-03-01T06:00:00Z
  pricetrail run --source https://shop.example/laptops --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if src == "" {
				src = cfg.Source.Default
			}
			if src == "" {
				return fmt.Errorf("no source given; pass --source or set source.default")
			}
			var at time.Time
			if runAt != "" {
				if at, err = time.Parse(time.RFC3339, runAt); err != nil {
					return fmt.Errorf("invalid --run-at: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := source.Open(src, source.Options{
				UserAgent: cfg.Scrape.UserAgent,
				Timeout:   cfg.Scrape.Timeout(),
				Retries:   cfg.Scrape.Retries,
			})
			if err != nil {
				return err
			}
			printStep("Reading %s", s.Describe())
			rows, err := s.Rows(ctx)
			if err != nil {
				return fmt.Errorf("reading source: %w", err)
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := newRunner(cfg, store).Run(ctx, pipeline.Request{RunAt: at, Rows: rows, DryRun: dryRun})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), struct {
					*pipeline.Result
					Changes []reconcile.ChangeEntry `json:"changes"`
				}{res, reportable(res.Entries)})
			}
			printRunResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&src, "source", "", "listing source (csv:, sqlite:, html: or an http(s) URL)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "run timestamp in RFC 3339 (default now)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan the run without writing anything")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newRunner(cfg config.Config, store *storage.Store) *pipeline.Runner {
	rec := reconcile.New(reconcile.Options{
		MissedRunThreshold:  cfg.Reconcile.MissedRunThreshold,
		TruncationRatio:     cfg.Reconcile.TruncationRatio,
		Workers:             cfg.Reconcile.Workers,
		DuplicateSimilarity: cfg.Reconcile.DuplicateSimilarity,
	})
	return pipeline.NewRunner(store, rec,
		pipeline.WithCommitRetries(cfg.Reconcile.CommitRetries),
		pipeline.WithResolver(identity.NewResolver(cfg.Identity.MinKnownAttributes)),
		pipeline.WithLock(dataDirLock(cfg.Storage.DataDir, cfg.Lock.TTL())),
	)
}

// dataDirLock takes the writer lock file in dir and keeps it fresh until released.
func dataDirLock(dir string, ttl time.Duration) pipeline.LockFunc {
	return func(ctx context.Context) (func() error, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		if ttl <= 0 {
			ttl = runlock.DefaultTTL
		}
		l, err := runlock.Acquire(filepath.Join(dir, runlock.FileName), ttl)
		if err != nil {
			return nil, err
		}
		hbCtx, cancel := context.WithCancel(ctx)
		go l.Heartbeat(hbCtx, max(ttl/3, time.Second))
		return func() error {
			cancel()
			return l.Release()
		}, nil
	}
}

func printRunResult(w io.Writer, res *pipeline.Result) {
	at := fmtTime(res.RunAt)
	if res.AlreadyCommitted {
		printWarning("Run %s is already committed; nothing written", at)
		return
	}
	if res.Dropped > 0 {
		printWarning("Dropped %d rows without a product name", res.Dropped)
	}
	for _, is := range res.Issues {
		printWarning("%v", is.Err())
	}

	printStatsTable(w, res.Stats)
	if changes := reportable(res.Entries); len(changes) > 0 {
		printChangesTable(w, changes)
	}

	if res.DryRun {
		printSuccess("Dry run %s: %d records planned, nothing written", at, res.Records)
		return
	}
	printSuccess("Committed run %s: %d records, %d writes", at, res.Records, res.Writes)
}

func reportable(entries []reconcile.ChangeEntry) []reconcile.ChangeEntry {
	out := make([]reconcile.ChangeEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type.Reportable() {
			out = append(out, e)
		}
	}
	return out
}

func printStatsTable(w io.Writer, s reconcile.Stats) {
	t := newTable(w)
	t.AppendHeader(table.Row{"New", "Price up", "Price down", "Attr changed", "Unchanged", "Disappeared", "Missed", "Duplicates?", "Collisions"})
	t.AppendRow(table.Row{s.New, s.PriceUp, s.PriceDown, s.AttrChanged, s.Unchanged, s.Disappeared, s.Missed, s.Duplicates, s.Collisions})
	t.Render()
}

func printChangesTable(w io.Writer, entries []reconcile.ChangeEntry) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Product", "Change", "Price", "Delta", "Fields", "Notes"})
	for _, e := range entries {
		price := ""
		switch {
		case e.Current != nil:
			price = fmtPrice(e.Current.Price)
		case e.Previous != nil:
			price = fmtPrice(e.Previous.Price)
		}
		t.AppendRow(table.Row{e.ProductID, e.Type, price, fmtDelta(e.PriceDelta), strings.Join(e.ChangedFields, ","), entryNotes(e)})
	}
	t.Render()
}

func entryNotes(e reconcile.ChangeEntry) string {
	var notes []string
	if e.Reappeared {
		notes = append(notes, "reappeared")
	}
	if e.LowConfidence {
		notes = append(notes, "low confidence")
	}
	if e.DuplicateOf != "" {
		notes = append(notes, "duplicate of "+string(e.DuplicateOf)+"?")
	}
	return strings.Join(notes, "; ")
}

// --- runs ---

func newRunsCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List committed runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				printWarning("No runs committed yet")
				return nil
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Seq", "Run at", "Rows", "Records", "New", "Up", "Down", "Attr", "Gone", "Truncated"})
			for _, r := range runs {
				s := r.Stats
				trunc := ""
				if r.Truncated {
					trunc = colorize(colorYellow, "yes")
				}
				t.AppendRow(table.Row{r.Seq, fmtTime(r.RunAt), r.RowsInput, r.Records, s.New, s.PriceUp, s.PriceDown, s.AttrChanged, s.Disappeared, trunc})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// --- changes ---

func newChangesCmd() *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "changes [run_at|latest]",
		Short: "Show what changed in a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			param := "latest"
			if len(args) == 1 {
				param = args[0]
			}
			run, err := findRun(ctx, store, param)
			if err != nil {
				return err
			}
			changes, err := store.ChangesForRun(ctx, run.RunAt, all)
			if err != nil {
				return err
			}
			issues, err := store.RunIssues(ctx, run.RunAt)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"run": run, "changes": changes, "issues": issues})
			}

			printStep("Run %s (%d records)", fmtTime(run.RunAt), run.Records)
			for _, is := range issues {
				printWarning("%v", is.Err())
			}
			if len(changes) == 0 {
				printSuccess("No changes")
				return nil
			}
			printChangesTable(cmd.OutOrStdout(), changes)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include unchanged products")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func findRun(ctx context.Context, store *storage.Store, param string) (storage.RunSummary, error) {
	var (
		run storage.RunSummary
		err error
	)
	if param == "latest" {
		run, err = store.LatestRun(ctx)
	} else {
		at, perr := time.Parse(time.RFC3339, param)
		if perr != nil {
			return storage.RunSummary{}, fmt.Errorf("run must be \"latest\" or an RFC 3339 timestamp: %w", perr)
		}
		run, err = store.Run(ctx, at)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return storage.RunSummary{}, fmt.Errorf("run %s not found", param)
	}
	return run, err
}

// --- history ---

func newHistoryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <product_id>",
		Short: "Show every version and change of one product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			h, err := store.ProductHistory(cmd.Context(), identity.ProductID(args[0]))
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("product %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), h)
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Valid from", "Valid to", "Price", "Processor", "GPU", "RAM", "Storage", "Display", "Name"})
			for _, v := range h.Versions {
				to := colorize(colorGreen, "current")
				if v.ValidTo != nil {
					to = fmtTime(*v.ValidTo)
				}
				f := v.Features
				t.AppendRow(table.Row{fmtTime(v.ValidFrom), to, fmtPrice(f.Price), f.ProcessorDetail, f.GPU, f.RAM, f.Storage, f.DisplaySize, v.RawName})
			}
			t.Render()
			if len(h.Changes) > 0 {
				printChangesTable(cmd.OutOrStdout(), h.Changes)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// --- current ---

func newCurrentCmd() *cobra.Command {
	var (
		limit, offset int
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "current",
		Short: "List live products",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			products, err := store.CurrentProducts(ctx, limit, offset)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), products)
			}
			total, err := store.CountCurrent(ctx)
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Product", "Brand", "Series", "Processor", "GPU", "RAM", "Storage", "Display", "Price", "Missed"})
			for _, p := range products {
				f := p.Features
				t.AppendRow(table.Row{p.ProductID, f.Brand, f.Series, f.ProcessorCategory, f.GPUCategory, f.RAM, f.Storage, f.DisplaySize, fmtPrice(f.Price), p.MissedRuns})
			}
			t.AppendFooter(table.Row{fmt.Sprintf("%d of %d", len(products), total)})
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of products")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of products to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// --- config ---

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			printStep("Config file %s", config.FilePath())
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Key", "Value", "Env"})
			for _, k := range config.ShowAll(cfg) {
				t.AppendRow(table.Row{colorize(colorBold, k.Key), k.Value, k.EnvVar})
			}
			t.Render()
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return err
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
