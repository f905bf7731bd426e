// Package pgsync mirrors the current-state table into Postgres for downstream
// dashboards. The mirror is a projection: SQLite stays the system of record.
package pgsync

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/storage"
)

const (
	DefaultTable     = "products_current"
	DefaultBatchSize = 500
)

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Client writes mirrors through a pgx pool.
type Client struct {
	pool      *pgxpool.Pool
	table     string
	batchSize int
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTable sets the mirror table, optionally schema-qualified.
func WithTable(name string) Option { return func(c *Client) { c.table = name } }

// WithBatchSize sets how many upserts go into one pgx batch.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// Open connects to dsn. Statements use the simple protocol so the mirror
// works behind transaction-pooling bouncers.
func Open(ctx context.Context, dsn string, maxConns int, opts ...Option) (*Client, error) {
	c := &Client{table: DefaultTable, batchSize: DefaultBatchSize, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if !tableRe.MatchString(c.table) {
		return nil, fmt.Errorf("invalid mirror table name %q", c.table)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	c.pool = pool
	return c, nil
}

func (c *Client) Close() { c.pool.Close() }

// Result counts one mirror pass.
type Result struct {
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
}

// Mirror makes the mirror table equal to rows in one transaction: it creates
// the table when missing, upserts every row and deletes rows no longer current.
func (c *Client) Mirror(ctx context.Context, rows []storage.CurrentProduct) (Result, error) {
	var res Result
	table := quoteTable(c.table)
	stamp := time.Now().UTC().Truncate(time.Microsecond)

	err := c.runInTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createSQL(table)); err != nil {
			return fmt.Errorf("creating mirror table: %w", err)
		}

		upsert := upsertSQL(table)
		for _, chunk := range chunks(len(rows), c.batchSize) {
			b := &pgx.Batch{}
			for _, p := range rows[chunk[0]:chunk[1]] {
				b.Queue(upsert, mirrorArgs(p, stamp)...)
			}
			br := tx.SendBatch(ctx, b)
			for k := chunk[0]; k < chunk[1]; k++ {
				tag, err := br.Exec()
				if err != nil {
					br.Close()
					return fmt.Errorf("upserting %s: %w", rows[k].ProductID, err)
				}
				res.Upserted += int(tag.RowsAffected())
			}
			if err := br.Close(); err != nil {
				return fmt.Errorf("closing batch: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE synced_at < $1`, stamp)
		if err != nil {
			return fmt.Errorf("pruning mirror: %w", err)
		}
		res.Deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("postgres mirror synced", "table", c.table, "upserted", res.Upserted, "deleted", res.Deleted)
	return res, nil
}

func (c *Client) runInTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func createSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		product_id         TEXT PRIMARY KEY,
		version_id         TEXT NOT NULL,
		raw_name           TEXT NOT NULL,
		brand              TEXT NOT NULL,
		series             TEXT NOT NULL,
		processor_detail   TEXT NOT NULL,
		processor_category TEXT NOT NULL,
		gpu                TEXT NOT NULL,
		gpu_category       TEXT NOT NULL,
		ram                TEXT NOT NULL,
		storage            TEXT NOT NULL,
		display_size       TEXT NOT NULL,
		price_numeric      BIGINT,
		price_millions     NUMERIC(14,3),
		low_confidence     BOOLEAN NOT NULL,
		valid_from         TIMESTAMPTZ NOT NULL,
		first_seen_at      TIMESTAMPTZ NOT NULL,
		missed_runs        INTEGER NOT NULL,
		synced_at          TIMESTAMPTZ NOT NULL
	)`
}

func upsertSQL(table string) string {
	return `INSERT INTO ` + table + `
		(product_id, version_id, raw_name, brand, series, processor_detail, processor_category,
		 gpu, gpu_category, ram, storage, display_size, price_numeric, price_millions,
		 low_confidence, valid_from, first_seen_at, missed_runs, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (product_id) DO UPDATE SET
			version_id = EXCLUDED.version_id,
			raw_name = EXCLUDED.raw_name,
			brand = EXCLUDED.brand,
			series = EXCLUDED.series,
			processor_detail = EXCLUDED.processor_detail,
			processor_category = EXCLUDED.processor_category,
			gpu = EXCLUDED.gpu,
			gpu_category = EXCLUDED.gpu_category,
			ram = EXCLUDED.ram,
			storage = EXCLUDED.storage,
			display_size = EXCLUDED.display_size,
			price_numeric = EXCLUDED.price_numeric,
			price_millions = EXCLUDED.price_millions,
			low_confidence = EXCLUDED.low_confidence,
			valid_from = EXCLUDED.valid_from,
			first_seen_at = EXCLUDED.first_seen_at,
			missed_runs = EXCLUDED.missed_runs,
			synced_at = EXCLUDED.synced_at`
}

func mirrorArgs(p storage.CurrentProduct, stamp time.Time) []any {
	f := p.Features
	var price, millions any
	if f.Price.Valid {
		price = f.Price.Value
		if m := f.Price.Millions(); m != features.Unknown {
			millions = m
		}
	}
	return []any{
		string(p.ProductID), p.VersionID, p.RawName, f.Brand, f.Series, f.ProcessorDetail, f.ProcessorCategory,
		f.GPU, f.GPUCategory, f.RAM, f.Storage, f.DisplaySize, price, millions,
		p.LowConfidence, p.ValidFrom, p.FirstSeenAt, p.MissedRuns, stamp,
	}
}

// chunks splits [0,n) into half-open ranges of at most size.
func chunks(n, size int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += size {
		out = append(out, [2]int{i, min(i+size, n)})
	}
	return out
}
