package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/avolve/avolve-billing/internal/config"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/server"
	"github.com/avolve/avolve-billing/pkg/entitlements"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// loadConfig is swapped in tests.
var loadConfig = config.Load

var rootCmd = &cobra.Command{
	Use:           "avolve-billing",
	Short:         "Avolve subscription billing and entitlement service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and print the price table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printConfigSummary(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "avolve-billing %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// Baseline defaults for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "avolve-billing",
	})

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "avolve-billing",
	})

	return server.Run(ctx, cfg, Version)
}

func printConfigSummary(out io.Writer, cfg *config.Config) {
	store := "sqlite " + cfg.SQLitePath()
	if cfg.UsesPostgres() {
		store = "postgres"
	}
	fmt.Fprintln(out, "Configuration OK")
	fmt.Fprintf(out, "  env:        %s\n", cfg.Env)
	fmt.Fprintf(out, "  listen:     %s\n", cfg.ListenAddr())
	fmt.Fprintf(out, "  base url:   %s\n", cfg.BaseURL)
	fmt.Fprintf(out, "  store:      %s\n", store)
	fmt.Fprintf(out, "  email:      %s\n", emailMode(cfg))
	fmt.Fprintln(out, "  prices:")
	for _, tier := range entitlements.PurchasableTiers {
		for _, interval := range entitlements.Intervals {
			id, _ := cfg.Prices.Resolve(tier, interval)
			fmt.Fprintf(out, "    %-16s %-6s %s\n", tier, interval, id)
		}
	}
}

func emailMode(cfg *config.Config) string {
	if cfg.PostmarkServerToken != "" {
		return "postmark from " + cfg.EmailFrom
	}
	return "log-only"
}
