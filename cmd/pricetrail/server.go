package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/pricetrail/internal/api"
	"github.com/kalambet/pricetrail/internal/pgsync"
)

// --- serve ---

func newServeCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reporting API over HTTP (foreground)",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Server.APIToken == "" {
				printWarning("server.api_token is not set; the API is unauthenticated")
			}

			addr := net.JoinHostPort(host, fmt.Sprint(cfg.Server.Port))
			srv := &http.Server{
				Addr:              addr,
				Handler:           api.NewHandler(api.Deps{Store: store, Token: cfg.Server.APIToken}),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext: func(_ net.Listener) context.Context {
					return ctx
				},
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("pricetrail listening", "addr", addr, "version", version)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "shutting down...")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address to bind")
	return cmd
}

// --- mcp ---

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the reporting tools over MCP stdio",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Version: version})
			stdioSrv := server.NewStdioServer(mcpSrv)
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		},
	}
}

// --- sync ---

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror current products into Postgres",
		Long: `Mirror current products into Postgres.

The DSN comes from PRICETRAIL_PG_DSN; the table from sync.table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Sync.PGDSN == "" {
				return fmt.Errorf("PRICETRAIL_PG_DSN is not set")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			total, err := store.CountCurrent(ctx)
			if err != nil {
				return err
			}
			rows, err := store.CurrentProducts(ctx, total, 0)
			if err != nil {
				return err
			}

			client, err := pgsync.Open(ctx, cfg.Sync.PGDSN, 2,
				pgsync.WithTable(cfg.Sync.Table),
				pgsync.WithBatchSize(cfg.Sync.BatchSize),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			printStep("Mirroring %d products into %s", len(rows), cfg.Sync.Table)
			res, err := client.Mirror(ctx, rows)
			if err != nil {
				return err
			}
			printSuccess("Upserted %d, deleted %d", res.Upserted, res.Deleted)
			return nil
		},
	}
}
