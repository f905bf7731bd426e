package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/reconcile"
	"github.com/kalambet/pricetrail/internal/storage"
)

var attributeHeader = []string{
	"brand", "series", "processor_detail", "processor_category", "gpu", "gpu_category",
	"ram", "storage", "display_size", "price_numeric", "price_millions",
}

func attributeCells(f features.FeatureSet) []string {
	price := ""
	if f.Price.Valid {
		price = strconv.FormatInt(f.Price.Value, 10)
	}
	millions := f.Price.Millions()
	if !f.Price.Valid {
		millions = ""
	}
	return []string{
		f.Brand, f.Series, f.ProcessorDetail, f.ProcessorCategory, f.GPU, f.GPUCategory,
		f.RAM, f.Storage, f.DisplaySize, price, millions,
	}
}

func newExportCmd() *cobra.Command {
	var (
		output string
		run    string
	)
	cmd := &cobra.Command{
		Use:   "export current|history|changes",
		Short: "Export current products, the version archive or a run's changes as CSV",
		Long: `Export current products, the version archive or a run's changes as CSV.

Examples:
  pricetrail export current --output current.csv
  pricetrail export history > history.csv
  pricetrail export changes --run 2026-03-01T06:00:00Z`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"current", "history", "changes"},
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

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			ctx := cmd.Context()
			var n int
			switch args[0] {
			case "current":
				n, err = exportCurrent(ctx, store, w)
			case "history":
				n, err = exportHistory(ctx, store, w)
			case "changes":
				n, err = exportChanges(ctx, store, w, run)
			default:
				return fmt.Errorf("unknown export %q; want current, history or changes", args[0])
			}
			if err != nil {
				return err
			}
			if output != "" {
				printSuccess("Wrote %d rows to %s", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default: stdout)")
	cmd.Flags().StringVar(&run, "run", "latest", `run for "changes": "latest" or an RFC 3339 timestamp`)
	return cmd
}

func exportCurrent(ctx context.Context, store *storage.Store, w io.Writer) (int, error) {
	total, err := store.CountCurrent(ctx)
	if err != nil {
		return 0, err
	}
	products, err := store.CurrentProducts(ctx, total, 0)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	header := append([]string{"product_id", "raw_name"}, attributeHeader...)
	header = append(header, "low_confidence", "valid_from", "first_seen_at", "missed_runs")
	if err := cw.Write(header); err != nil {
		return 0, err
	}
	for _, p := range products {
		row := append([]string{string(p.ProductID), p.RawName}, attributeCells(p.Features)...)
		row = append(row, strconv.FormatBool(p.LowConfidence), fmtTime(p.ValidFrom), fmtTime(p.FirstSeenAt), strconv.Itoa(p.MissedRuns))
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(products), cw.Error()
}

func exportHistory(ctx context.Context, store *storage.Store, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	header := append([]string{"product_id", "version_id", "raw_name"}, attributeHeader...)
	header = append(header, "low_confidence", "valid_from", "valid_to", "is_current", "run_id")
	if err := cw.Write(header); err != nil {
		return 0, err
	}
	n := 0
	err := store.EachVersion(ctx, func(v reconcile.VersionRecord) error {
		to := ""
		if v.ValidTo != nil {
			to = fmtTime(*v.ValidTo)
		}
		row := append([]string{string(v.ProductID), v.VersionID, v.RawName}, attributeCells(v.Features)...)
		row = append(row, strconv.FormatBool(v.LowConfidence), fmtTime(v.ValidFrom), to, strconv.FormatBool(v.IsCurrent), v.RunID)
		n++
		return cw.Write(row)
	})
	if err != nil {
		return 0, err
	}
	cw.Flush()
	return n, cw.Error()
}

func exportChanges(ctx context.Context, store *storage.Store, w io.Writer, param string) (int, error) {
	run, err := findRun(ctx, store, param)
	if err != nil {
		return 0, err
	}
	entries, err := store.ChangesForRun(ctx, run.RunAt, true)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	header := []string{"run_at", "product_id", "change_type", "previous_price_millions", "current_price_millions", "price_delta", "changed_fields", "low_confidence", "duplicate_of", "reappeared"}
	if err := cw.Write(header); err != nil {
		return 0, err
	}
	for _, e := range entries {
		var prev, cur string
		if e.Previous != nil && e.Previous.Price.Valid {
			prev = e.Previous.Price.Millions()
		}
		if e.Current != nil && e.Current.Price.Valid {
			cur = e.Current.Price.Millions()
		}
		row := []string{
			fmtTime(e.RunAt), string(e.ProductID), string(e.Type), prev, cur,
			strconv.FormatInt(e.PriceDelta, 10), strings.Join(e.ChangedFields, ";"),
			strconv.FormatBool(e.LowConfidence), string(e.DuplicateOf), strconv.FormatBool(e.Reappeared),
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(entries), cw.Error()
}
