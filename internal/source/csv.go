package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/pricetrail/internal/features"
)

type csvSource struct {
	path string
	opts Options
}

func (s *csvSource) Describe() string { return "csv:" + s.path }

func (s *csvSource) Rows(ctx context.Context) ([]features.RawRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening csv source: %w", err)
	}
	defer f.Close()
	return readCSV(ctx, f, s.opts)
}

var (
	nameHeaders  = []string{"product_name", "name", "raw_name", "nama_produk"}
	priceHeaders = []string{"price_raw", "price", "price_text", "harga"}
	timeHeaders  = []string{"scraped_at", "scraped", "timestamp"}
)

func readCSV(ctx context.Context, r io.Reader, opts Options) ([]features.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	nameCol := column(cols, nameHeaders)
	if nameCol < 0 {
		return nil, fmt.Errorf("csv header %v has no product name column", header)
	}
	priceCol := column(cols, priceHeaders)
	timeCol := column(cols, timeHeaders)

	now := opts.Now().UTC()
	var out []features.RawRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}
		out = append(out, features.RawRecord{
			Name:      field(rec, nameCol),
			PriceText: field(rec, priceCol),
			ScrapedAt: parseScrapedAt(field(rec, timeCol), now),
		})
	}
	return out, nil
}

func column(cols map[string]int, names []string) int {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i
		}
	}
	return -1
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}
