package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Storage   StorageConfig
	Reconcile ReconcileConfig
	Identity  IdentityConfig
	Lock      LockConfig
	Server    ServerConfig
	Source    SourceConfig
	Scrape    ScrapeConfig
	Sync      SyncConfig
	Log       LogConfig
}

type StorageConfig struct {
	DataDir     string
	DatabaseURL string
	AuthToken   string
}

type ReconcileConfig struct {
	MissedRunThreshold  int
	TruncationRatio     float64
	Workers             int
	CommitRetries       int
	DuplicateSimilarity float64
}

type IdentityConfig struct {
	MinKnownAttributes int
}

type LockConfig struct {
	TTLSeconds int
}

// TTL returns the lock staleness window.
func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type SourceConfig struct {
	Default string
}

type ScrapeConfig struct {
	UserAgent      string
	TimeoutSeconds int
	Retries        int
}

// Timeout returns the per-request fetch timeout.
func (c ScrapeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type SyncConfig struct {
	PGDSN     string
	Table     string
	BatchSize int
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Reconcile: ReconcileConfig{
			MissedRunThreshold:  3,
			TruncationRatio:     0.5,
			Workers:             4,
			CommitRetries:       3,
			DuplicateSimilarity: 0.92,
		},
		Identity: IdentityConfig{
			MinKnownAttributes: 4,
		},
		Lock: LockConfig{
			TTLSeconds: 600,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Scrape: ScrapeConfig{
			UserAgent:      "pricetrail/1.0",
			TimeoutSeconds: 30,
			Retries:        2,
		},
		Sync: SyncConfig{
			Table:     "products_current",
			BatchSize: 500,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "pricetrail-data"
		}
	}
	return filepath.Join(dir, "pricetrail")
}

// Load reads configuration from the config file, then applies
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configDir()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Reconcile.MissedRunThreshold < 1 {
		return fmt.Errorf("reconcile.missed_run_threshold must be at least 1, got %d", c.Reconcile.MissedRunThreshold)
	}
	if r := c.Reconcile.TruncationRatio; r < 0 || r > 1 {
		return fmt.Errorf("reconcile.truncation_ratio must be in [0, 1], got %g", r)
	}
	if s := c.Reconcile.DuplicateSimilarity; s <= 0 || s > 1 {
		return fmt.Errorf("reconcile.duplicate_similarity must be in (0, 1], got %g", s)
	}
	if c.Storage.DataDir == "" && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("missing required config: storage.data_dir or storage.database_url")
	}
	return nil
}
