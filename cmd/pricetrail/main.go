package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/pricetrail/internal/config"
	"github.com/kalambet/pricetrail/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pricetrail",
		Short:         "Track the price and spec history of scraped laptop listings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	root.AddCommand(
		newRunCmd(),
		newRunsCmd(),
		newChangesCmd(),
		newHistoryCmd(),
		newCurrentCmd(),
		newExportCmd(),
		newSyncCmd(),
		newServeCmd(),
		newMCPCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	return cfg, nil
}

func openStore(cfg config.Config) (*storage.Store, error) {
	var (
		s   *storage.Store
		err error
	)
	if cfg.Storage.DatabaseURL != "" {
		s, err = storage.OpenURL(cfg.Storage.DatabaseURL, cfg.Storage.AuthToken)
	} else {
		s, err = storage.Open(cfg.Storage.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return s, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pricetrail version %s\n", version)
		},
	}
}
