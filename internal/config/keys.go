package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

// keySpec binds one config key to its env var and Config field.
// Secrets are env-only: the file backend never supplies them.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(*Config, any)
	extract func(Config) any
}

func strKey(key, env string, secret bool, set func(*Config, string), get func(Config) string) keySpec {
	return keySpec{key: key, typ: kString, env: env, secret: secret,
		apply: func(c *Config, v any) { set(c, v.(string)) }, extract: func(c Config) any { return get(c) }}
}

func intKey(key, env string, set func(*Config, int), get func(Config) int) keySpec {
	return keySpec{key: key, typ: kInt, env: env,
		apply: func(c *Config, v any) { set(c, v.(int)) }, extract: func(c Config) any { return get(c) }}
}

func floatKey(key, env string, set func(*Config, float64), get func(Config) float64) keySpec {
	return keySpec{key: key, typ: kFloat, env: env,
		apply: func(c *Config, v any) { set(c, v.(float64)) }, extract: func(c Config) any { return get(c) }}
}

var specs = []keySpec{
	strKey("storage.data_dir", "PRICETRAIL_DATA_DIR", false,
		func(c *Config, v string) { c.Storage.DataDir = v }, func(c Config) string { return c.Storage.DataDir }),
	strKey("storage.database_url", "PRICETRAIL_DATABASE_URL", false,
		func(c *Config, v string) { c.Storage.DatabaseURL = v }, func(c Config) string { return c.Storage.DatabaseURL }),
	strKey("storage.auth_token", "PRICETRAIL_AUTH_TOKEN", true,
		func(c *Config, v string) { c.Storage.AuthToken = v }, func(c Config) string { return c.Storage.AuthToken }),

	intKey("reconcile.missed_run_threshold", "PRICETRAIL_MISSED_RUN_THRESHOLD",
		func(c *Config, v int) { c.Reconcile.MissedRunThreshold = v }, func(c Config) int { return c.Reconcile.MissedRunThreshold }),
	floatKey("reconcile.truncation_ratio", "PRICETRAIL_TRUNCATION_RATIO",
		func(c *Config, v float64) { c.Reconcile.TruncationRatio = v }, func(c Config) float64 { return c.Reconcile.TruncationRatio }),
	intKey("reconcile.workers", "PRICETRAIL_WORKERS",
		func(c *Config, v int) { c.Reconcile.Workers = v }, func(c Config) int { return c.Reconcile.Workers }),
	intKey("reconcile.commit_retries", "PRICETRAIL_COMMIT_RETRIES",
		func(c *Config, v int) { c.Reconcile.CommitRetries = v }, func(c Config) int { return c.Reconcile.CommitRetries }),
	floatKey("reconcile.duplicate_similarity", "PRICETRAIL_DUPLICATE_SIMILARITY",
		func(c *Config, v float64) { c.Reconcile.DuplicateSimilarity = v }, func(c Config) float64 { return c.Reconcile.DuplicateSimilarity }),
	intKey("identity.min_known_attributes", "PRICETRAIL_MIN_KNOWN_ATTRIBUTES",
		func(c *Config, v int) { c.Identity.MinKnownAttributes = v }, func(c Config) int { return c.Identity.MinKnownAttributes }),
	intKey("lock.ttl_seconds", "PRICETRAIL_LOCK_TTL_SECONDS",
		func(c *Config, v int) { c.Lock.TTLSeconds = v }, func(c Config) int { return c.Lock.TTLSeconds }),

	intKey("server.port", "PRICETRAIL_PORT",
		func(c *Config, v int) { c.Server.Port = v }, func(c Config) int { return c.Server.Port }),
	strKey("server.api_token", "PRICETRAIL_API_TOKEN", true,
		func(c *Config, v string) { c.Server.APIToken = v }, func(c Config) string { return c.Server.APIToken }),

	strKey("source.default", "PRICETRAIL_SOURCE", false,
		func(c *Config, v string) { c.Source.Default = v }, func(c Config) string { return c.Source.Default }),
	strKey("scrape.user_agent", "PRICETRAIL_USER_AGENT", false,
		func(c *Config, v string) { c.Scrape.UserAgent = v }, func(c Config) string { return c.Scrape.UserAgent }),
	intKey("scrape.timeout_seconds", "PRICETRAIL_SCRAPE_TIMEOUT_SECONDS",
		func(c *Config, v int) { c.Scrape.TimeoutSeconds = v }, func(c Config) int { return c.Scrape.TimeoutSeconds }),
	intKey("scrape.retries", "PRICETRAIL_SCRAPE_RETRIES",
		func(c *Config, v int) { c.Scrape.Retries = v }, func(c Config) int { return c.Scrape.Retries }),

	strKey("sync.pg_dsn", "PRICETRAIL_PG_DSN", true,
		func(c *Config, v string) { c.Sync.PGDSN = v }, func(c Config) string { return c.Sync.PGDSN }),
	strKey("sync.table", "PRICETRAIL_SYNC_TABLE", false,
		func(c *Config, v string) { c.Sync.Table = v }, func(c Config) string { return c.Sync.Table }),
	intKey("sync.batch_size", "PRICETRAIL_SYNC_BATCH_SIZE",
		func(c *Config, v int) { c.Sync.BatchSize = v }, func(c Config) int { return c.Sync.BatchSize }),

	strKey("log.level", "PRICETRAIL_LOG_LEVEL", false,
		func(c *Config, v string) { c.Log.Level = v }, func(c Config) string { return c.Log.Level }),
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend reads every non-secret key present in b.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, v)
		case kInt:
			i, err := strconv.Atoi(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] invalid integer for %s=%q, ignoring\n", s.env, v)
				continue
			}
			s.apply(cfg, i)
		case kFloat:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] invalid number for %s=%q, ignoring\n", s.env, v)
				continue
			}
			s.apply(cfg, f)
		}
	}
}
