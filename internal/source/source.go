// Package source reads raw listing rows from scrape outputs: CSV exports, the
// scraper's SQLite database, saved listing pages, or a live listing URL.
package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/pricetrail/internal/features"
)

// Source yields the raw rows of one scrape.
type Source interface {
	Rows(ctx context.Context) ([]features.RawRecord, error)
	// Describe returns a short human-readable origin for logs.
	Describe() string
}

// Options tune how sources read their input. The zero value is usable.
type Options struct {
	// Now stamps rows that carry no scrape time. Defaults to time.Now.
	Now       func() time.Time
	UserAgent string
	Timeout   time.Duration
	Retries   int
}

const defaultUserAgent = "pricetrail/1.0 (+listing history)"

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return o
}

// DefaultRawTable is the scraper's raw listing table.
const DefaultRawTable = "products_raw"

// Open parses spec and returns the matching source. Accepted forms are
// csv:<path>, sqlite:<path>[#table], html:<path>, http(s)://<url>, or a bare
// path whose extension picks the reader.
func Open(spec string, opts Options) (Source, error) {
	opts = opts.withDefaults()
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty source")
	}

	if strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://") {
		return newHTTPSource(spec, opts), nil
	}

	kind, path, ok := strings.Cut(spec, ":")
	if !ok || len(kind) == 1 {
		// Bare path (a one-letter "kind" is a Windows drive).
		kind, path = kindFromExt(spec), spec
	}

	switch kind {
	case "csv":
		return &csvSource{path: path, opts: opts}, nil
	case "sqlite":
		path, table, _ := strings.Cut(path, "#")
		if table == "" {
			table = DefaultRawTable
		}
		if !identRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		return &sqliteSource{path: path, table: table, opts: opts}, nil
	case "html":
		return &htmlFileSource{path: path, opts: opts}, nil
	default:
		return nil, fmt.Errorf("unsupported source %q (want csv:, sqlite:, html: or an http(s) URL)", spec)
	}
}

func kindFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	case ".db", ".sqlite", ".sqlite3":
		return "sqlite"
	case ".html", ".htm":
		return "html"
	}
	return ""
}

// Clean drops rows without a product name and reports how many were dropped.
func Clean(rows []features.RawRecord) ([]features.RawRecord, int) {
	kept := make([]features.RawRecord, 0, len(rows))
	for _, r := range rows {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(rows) - len(kept)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseScrapedAt reads a scrape timestamp; zone-less values are UTC.
func parseScrapedAt(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
