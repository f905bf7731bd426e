package source

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/pricetrail/internal/features"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqliteSource reads the scraper's raw table:
// (id, product_name, price_raw, scraped_at), scraped_at optional.
type sqliteSource struct {
	path  string
	table string
	opts  Options
}

func (s *sqliteSource) Describe() string { return "sqlite:" + s.path + "#" + s.table }

func (s *sqliteSource) Rows(ctx context.Context) ([]features.RawRecord, error) {
	dsn := "file:" + (&url.URL{Path: s.path}).EscapedPath() + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite source: %w", err)
	}
	defer db.Close()

	cols, err := tableColumns(ctx, db, s.table)
	if err != nil {
		return nil, err
	}
	if !cols["product_name"] || !cols["price_raw"] {
		return nil, fmt.Errorf("table %s must have product_name and price_raw columns", s.table)
	}

	timeExpr := "NULL"
	if cols["scraped_at"] {
		timeExpr = "scraped_at"
	}
	order := "rowid"
	if cols["id"] {
		order = "id"
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT product_name, price_raw, %s FROM %s ORDER BY %s`, timeExpr, s.table, order))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.table, err)
	}
	defer rows.Close()

	now := s.opts.Now().UTC()
	var out []features.RawRecord
	for rows.Next() {
		var (
			name      sql.NullString
			price     any
			scrapedAt any
		)
		if err := rows.Scan(&name, &price, &scrapedAt); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.table, err)
		}
		out = append(out, features.RawRecord{
			Name:      name.String,
			PriceText: valueText(price),
			ScrapedAt: valueTime(scrapedAt, now),
		})
	}
	return out, rows.Err()
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return cols, nil
}

func valueText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', 0, 64)
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func valueTime(v any, fallback time.Time) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case int64:
		return time.Unix(x, 0).UTC()
	case string:
		return parseScrapedAt(x, fallback)
	case []byte:
		return parseScrapedAt(string(x), fallback)
	}
	return fallback
}
